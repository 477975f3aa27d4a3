// Package job drives the marketplace lifecycle: compose a signed job
// request, fan it out to the relays, collect service-provider results, and
// settle the lightning payment a chosen result demands.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kodylow/Nostrit/internal/event"
	"github.com/Kodylow/Nostrit/internal/sub"
	"github.com/Kodylow/Nostrit/pkg/models"
)

// Job lifecycle states.
const (
	StateDraft           = "draft"
	StateSubmitting      = "submitting"
	StateSubmitted       = "submitted"
	StateAwaitingResults = "awaiting_results"
)

// Per-result settlement states.
const (
	ResultReceived      = "received"
	ResultSettling      = "settling"
	ResultSettled       = "settled"
	ResultPaymentFailed = "payment_failed"
)

var (
	ErrEmptyInput       = errors.New("job input is empty")
	ErrUnknownJob       = errors.New("unknown job")
	ErrUnknownResult    = errors.New("unknown result")
	ErrNoPaymentRequest = errors.New("result carries no payment request")
	ErrNoWallet         = errors.New("no wallet agent is configured")
	ErrAlreadySettling  = errors.New("result settlement already in progress")
)

// Config carries the protocol numbers and composition defaults for job
// requests.
type Config struct {
	RequestKind    int    `yaml:"requestKind"`
	ResultKind     int    `yaml:"resultKind"`
	DefaultJobType string `yaml:"defaultJobType"`
	DefaultBidMsat int64  `yaml:"defaultBidMsat"`
}

func DefaultConfig() Config {
	return Config{
		RequestKind:    68005,
		ResultKind:     68006,
		DefaultJobType: "code-review",
		DefaultBidMsat: 10000,
	}
}

// Publisher fans a signed event out to the relay set.
type Publisher interface {
	PublishAll(ctx context.Context, ev models.Event) ([]models.PublishOutcome, error)
}

// Streams opens purpose-keyed result subscriptions.
type Streams interface {
	Open(purpose string, filters []models.Filter) (string, <-chan sub.Delivery, error)
	ClosePurpose(purpose string)
}

// Signer produces the session identity and event signatures.
type Signer interface {
	PublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, ev *models.Event) error
}

// Wallet settles a lightning invoice and returns the payment preimage.
type Wallet interface {
	SendPayment(ctx context.Context, invoice string) (string, error)
}

// SubmitRequest is the user's side of a job: what to do, and how much the
// requester bids for it. Zero JobType and BidMsat fall back to the
// configured defaults.
type SubmitRequest struct {
	Content string
	JobType string
	BidMsat int64
}

// Coordinator owns the job state machine. All transitions go through the
// store under its lock; a failed sign or publish returns the job to draft
// with its input intact so the user can retry without retyping.
type Coordinator struct {
	cfg    Config
	store  *Store
	pub    Publisher
	stream Streams
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	signer Signer
	wallet Wallet
}

func NewCoordinator(cfg Config, store *Store, pub Publisher, stream Streams, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RequestKind == 0 {
		cfg.RequestKind = DefaultConfig().RequestKind
	}
	if cfg.ResultKind == 0 {
		cfg.ResultKind = DefaultConfig().ResultKind
	}
	if cfg.DefaultJobType == "" {
		cfg.DefaultJobType = DefaultConfig().DefaultJobType
	}
	if cfg.DefaultBidMsat <= 0 {
		cfg.DefaultBidMsat = DefaultConfig().DefaultBidMsat
	}
	return &Coordinator{
		cfg:    cfg,
		store:  store,
		pub:    pub,
		stream: stream,
		log:    log,
		now:    time.Now,
	}
}

// SetSigner installs the active signer. A nil signer puts job submission out
// of service while leaving reads available.
func (c *Coordinator) SetSigner(s Signer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signer = s
}

// SetWallet installs the payment agent used by Settle.
func (c *Coordinator) SetWallet(w Wallet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallet = w
}

// Submit composes, signs and publishes a job request, then arms the result
// stream for it. Empty or whitespace-only content is rejected before any
// network work.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (models.JobSnapshot, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return models.JobSnapshot{}, ErrEmptyInput
	}
	jobType := req.JobType
	if jobType == "" {
		jobType = c.cfg.DefaultJobType
	}
	bid := req.BidMsat
	if bid <= 0 {
		bid = c.cfg.DefaultBidMsat
	}

	snap := models.JobSnapshot{
		ID:      uuid.NewString(),
		State:   StateSubmitting,
		JobType: jobType,
		Content: content,
		BidMsat: bid,
	}
	c.store.Upsert(snap)

	signed, err := c.composeAndSign(ctx, snap)
	if err != nil {
		c.revertToDraft(snap.ID, nil)
		return c.snapshot(snap.ID), err
	}

	outcomes, err := c.pub.PublishAll(ctx, signed)
	if err != nil {
		c.revertToDraft(snap.ID, outcomes)
		return c.snapshot(snap.ID), fmt.Errorf("publishing job request: %w", err)
	}

	submittedAt := c.now()
	c.store.Update(snap.ID, func(j *models.JobSnapshot) {
		j.State = StateSubmitted
		j.EventID = signed.ID
		j.SubmittedAt = submittedAt
		j.Outcomes = outcomes
	})
	c.watchResults(snap.ID, signed.ID)
	return c.snapshot(snap.ID), nil
}

// Settle pays the invoice attached to the identified result. The preimage
// returned by the wallet is the proof of payment recorded on the result.
func (c *Coordinator) Settle(ctx context.Context, jobID, resultEventID string) (models.ResultSnapshot, error) {
	c.mu.Lock()
	wallet := c.wallet
	c.mu.Unlock()
	if wallet == nil {
		return models.ResultSnapshot{}, ErrNoWallet
	}

	var (
		invoice  string
		found    bool
		state    string
		noDemand bool
	)
	ok := c.store.Update(jobID, func(j *models.JobSnapshot) {
		for i := range j.Results {
			if j.Results[i].Event.ID != resultEventID {
				continue
			}
			found = true
			state = j.Results[i].State
			if j.Results[i].Payment == nil {
				noDemand = true
				return
			}
			if state == ResultSettling || state == ResultSettled {
				return
			}
			invoice = j.Results[i].Payment.Invoice
			j.Results[i].State = ResultSettling
			return
		}
	})
	if !ok {
		return models.ResultSnapshot{}, ErrUnknownJob
	}
	if !found {
		return models.ResultSnapshot{}, ErrUnknownResult
	}
	if noDemand {
		return models.ResultSnapshot{}, ErrNoPaymentRequest
	}
	if state == ResultSettling {
		return models.ResultSnapshot{}, ErrAlreadySettling
	}
	if state == ResultSettled {
		return c.result(jobID, resultEventID)
	}

	preimage, err := wallet.SendPayment(ctx, invoice)
	if err != nil {
		c.setResultState(jobID, resultEventID, ResultPaymentFailed, "")
		return c.mustResult(jobID, resultEventID), fmt.Errorf("paying result invoice: %w", err)
	}
	c.setResultState(jobID, resultEventID, ResultSettled, preimage)
	c.log.Info("result settled", "job", jobID, "result", resultEventID)
	return c.mustResult(jobID, resultEventID), nil
}

// Store exposes the backing store for restore at startup.
func (c *Coordinator) Store() *Store {
	return c.store
}

// Job returns a copy of the job record.
func (c *Coordinator) Job(id string) (models.JobSnapshot, error) {
	snap, ok := c.store.Get(id)
	if !ok {
		return models.JobSnapshot{}, ErrUnknownJob
	}
	return snap, nil
}

// Jobs returns every job record, newest first.
func (c *Coordinator) Jobs() []models.JobSnapshot {
	return c.store.List()
}

// Reset clears every job and result subscription. Called when the identity
// rolls: jobs signed by the old key no longer belong to the session.
func (c *Coordinator) Reset() {
	for _, id := range c.store.IDs() {
		c.stream.ClosePurpose(resultPurpose(id))
	}
	c.store.Reset()
}

// Rearm re-opens result streams for jobs restored from disk that were still
// awaiting results.
func (c *Coordinator) Rearm() {
	for _, snap := range c.store.List() {
		if snap.State == StateAwaitingResults && snap.EventID != "" {
			c.watchResults(snap.ID, snap.EventID)
		}
	}
}

func (c *Coordinator) composeAndSign(ctx context.Context, snap models.JobSnapshot) (models.Event, error) {
	c.mu.Lock()
	signer := c.signer
	c.mu.Unlock()
	if signer == nil {
		return models.Event{}, event.ErrSigningUnavailable
	}
	pub, err := signer.PublicKey(ctx)
	if err != nil {
		return models.Event{}, fmt.Errorf("resolving signing key: %w", err)
	}
	tags := [][]string{
		{"j", snap.JobType},
		{"bid", strconv.FormatInt(snap.BidMsat, 10)},
	}
	ev, err := event.BuildUnsigned(c.cfg.RequestKind, tags, snap.Content, pub, c.now().Unix())
	if err != nil {
		return models.Event{}, err
	}
	if err := signer.SignEvent(ctx, &ev); err != nil {
		return models.Event{}, fmt.Errorf("signing job request: %w", err)
	}
	return ev, nil
}

// watchResults opens the single active result stream for the job. Opening
// through the purpose key replaces any previous stream for the same job, so
// a resubmission never leaves a stale filter behind.
func (c *Coordinator) watchResults(jobID, eventID string) {
	filters := []models.Filter{{
		Kinds: []int{c.cfg.ResultKind},
		Tags:  map[string][]string{"e": {eventID}},
	}}
	_, ch, err := c.stream.Open(resultPurpose(jobID), filters)
	if err != nil {
		c.log.Warn("opening result stream failed", "job", jobID, "error", err)
		return
	}
	c.store.Update(jobID, func(j *models.JobSnapshot) {
		j.State = StateAwaitingResults
	})
	go c.consumeResults(jobID, eventID, ch)
}

func (c *Coordinator) consumeResults(jobID, eventID string, ch <-chan sub.Delivery) {
	for d := range ch {
		if d.Event.TagValue("e", 1) != eventID {
			continue
		}
		payment := parsePayment(d.Event)
		added := false
		c.store.Update(jobID, func(j *models.JobSnapshot) {
			for _, res := range j.Results {
				if res.Event.ID == d.Event.ID {
					return
				}
			}
			j.Results = append(j.Results, models.ResultSnapshot{
				Event:   d.Event,
				Payment: payment,
				State:   ResultReceived,
			})
			added = true
		})
		if added {
			c.log.Info("job result received", "job", jobID, "result", d.Event.ID, "relay", d.Relay)
		}
	}
}

// parsePayment extracts the lightning demand from the result's amount tag:
// ["amount", "<millisats>", "<invoice>"]. Results without a well-formed
// demand are kept but cannot be settled.
func parsePayment(ev models.Event) *models.PaymentRequest {
	tag, ok := ev.Tag("amount")
	if !ok || len(tag) < 3 || tag[2] == "" {
		return nil
	}
	msats, err := strconv.ParseInt(tag[1], 10, 64)
	if err != nil || msats < 0 {
		return nil
	}
	return &models.PaymentRequest{AmountMsat: msats, Invoice: tag[2]}
}

func (c *Coordinator) revertToDraft(jobID string, outcomes []models.PublishOutcome) {
	c.store.Update(jobID, func(j *models.JobSnapshot) {
		j.State = StateDraft
		j.EventID = ""
		j.Outcomes = outcomes
	})
}

func (c *Coordinator) setResultState(jobID, resultEventID, state, preimage string) {
	c.store.Update(jobID, func(j *models.JobSnapshot) {
		for i := range j.Results {
			if j.Results[i].Event.ID == resultEventID {
				j.Results[i].State = state
				if preimage != "" {
					j.Results[i].Preimage = preimage
				}
				return
			}
		}
	})
}

func (c *Coordinator) snapshot(jobID string) models.JobSnapshot {
	snap, _ := c.store.Get(jobID)
	return snap
}

func (c *Coordinator) result(jobID, resultEventID string) (models.ResultSnapshot, error) {
	snap, ok := c.store.Get(jobID)
	if !ok {
		return models.ResultSnapshot{}, ErrUnknownJob
	}
	for _, res := range snap.Results {
		if res.Event.ID == resultEventID {
			return res, nil
		}
	}
	return models.ResultSnapshot{}, ErrUnknownResult
}

func (c *Coordinator) mustResult(jobID, resultEventID string) models.ResultSnapshot {
	res, _ := c.result(jobID, resultEventID)
	return res
}

func resultPurpose(jobID string) string {
	return "job-results/" + jobID
}
