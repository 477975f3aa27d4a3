package job

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Kodylow/Nostrit/internal/securestore"
	"github.com/Kodylow/Nostrit/pkg/models"
)

const stateFileName = "jobs.state"

// Store holds job records in memory and, when a data directory is
// configured, mirrors them to a sealed snapshot file so submitted jobs
// survive restarts.
type Store struct {
	mu         sync.Mutex
	jobs       map[string]models.JobSnapshot
	path       string
	passphrase string
}

// NewStore builds a store. An empty dir keeps records in memory only.
func NewStore(dir, passphrase string) *Store {
	s := &Store{jobs: make(map[string]models.JobSnapshot)}
	if dir != "" {
		s.path = filepath.Join(dir, stateFileName)
		s.passphrase = passphrase
	}
	return s
}

// Restore loads the persisted snapshot if one exists. A missing file is a
// clean first start, not an error.
func (s *Store) Restore() error {
	if s.path == "" {
		return nil
	}
	var jobs map[string]models.JobSnapshot
	if err := securestore.ReadSealedJSON(s.path, s.passphrase, &jobs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	s.mu.Lock()
	s.jobs = jobs
	if s.jobs == nil {
		s.jobs = make(map[string]models.JobSnapshot)
	}
	s.mu.Unlock()
	return nil
}

// Upsert replaces the record for the job.
func (s *Store) Upsert(snap models.JobSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[snap.ID] = cloneJob(snap)
	s.persistLocked()
}

// Update applies fn to the job record under the store lock. It reports
// whether the job exists.
func (s *Store) Update(id string, fn func(*models.JobSnapshot)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.jobs[id]
	if !ok {
		return false
	}
	fn(&snap)
	s.jobs[id] = snap
	s.persistLocked()
	return true
}

// Get returns a copy of the job record.
func (s *Store) Get(id string) (models.JobSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.jobs[id]
	if !ok {
		return models.JobSnapshot{}, false
	}
	return cloneJob(snap), true
}

// List returns all job records, most recently submitted first.
func (s *Store) List() []models.JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JobSnapshot, 0, len(s.jobs))
	for _, snap := range s.jobs {
		out = append(out, cloneJob(snap))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs returns every stored job id.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset drops every record, in memory and on disk.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]models.JobSnapshot)
	s.persistLocked()
}

func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	// Persistence is best-effort; the in-memory state stays authoritative.
	_ = securestore.WriteSealedJSON(s.path, s.passphrase, s.jobs)
}

func cloneJob(snap models.JobSnapshot) models.JobSnapshot {
	out := snap
	out.Outcomes = append([]models.PublishOutcome(nil), snap.Outcomes...)
	out.Results = make([]models.ResultSnapshot, len(snap.Results))
	for i, res := range snap.Results {
		out.Results[i] = res
		if res.Payment != nil {
			payment := *res.Payment
			out.Results[i].Payment = &payment
		}
	}
	return out
}
