// Package sub multiplexes relay event streams into logical subscriptions.
// The same event arrives once per relay carrying it; the engine verifies
// signatures, collapses duplicates across relays, and delivers each unique
// event exactly once in arrival order.
package sub

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Kodylow/Nostrit/internal/event"
	"github.com/Kodylow/Nostrit/pkg/models"
)

const defaultDedupWindow = 8192

var ErrEngineClosed = errors.New("subscription engine is closed")

// Relays is the transport surface the engine drives.
type Relays interface {
	Subscribe(subID string, filters []models.Filter)
	Unsubscribe(subID string)
}

// Delivery is one verified, deduplicated event with the relay it first
// arrived from.
type Delivery struct {
	Relay string
	Event models.Event
}

type subscription struct {
	id      string
	purpose string
	ch      chan Delivery
}

// Engine owns logical subscriptions keyed by purpose. Opening a purpose that
// is already active closes the predecessor first, so a stale stream never
// outlives the state it was opened for.
type Engine struct {
	relays  Relays
	log     *slog.Logger
	dropped func()

	mu        sync.Mutex
	byID      map[string]*subscription
	byPurpose map[string]*subscription
	seen      map[string]struct{}
	order     []string
	window    int
	closed    bool
}

type Options struct {
	// DedupWindow bounds how many recent event ids are remembered. Zero
	// selects the default.
	DedupWindow int
	// OnDuplicate is invoked for every cross-relay duplicate dropped.
	OnDuplicate func()
}

func NewEngine(relays Relays, opts Options, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &Engine{
		relays:    relays,
		log:       log,
		dropped:   opts.OnDuplicate,
		byID:      make(map[string]*subscription),
		byPurpose: make(map[string]*subscription),
		seen:      make(map[string]struct{}, window),
		window:    window,
	}
}

// Open starts a logical subscription for the purpose and returns its id and
// delivery channel. An existing subscription under the same purpose is
// closed and replaced.
func (e *Engine) Open(purpose string, filters []models.Filter) (string, <-chan Delivery, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", nil, ErrEngineClosed
	}
	if prev, ok := e.byPurpose[purpose]; ok {
		e.removeLocked(prev)
	}
	s := &subscription{
		id:      uuid.NewString(),
		purpose: purpose,
		ch:      make(chan Delivery, 64),
	}
	e.byID[s.id] = s
	e.byPurpose[purpose] = s
	e.mu.Unlock()

	e.relays.Subscribe(s.id, filters)
	return s.id, s.ch, nil
}

// CloseSub ends the subscription with the given id. Unknown ids are a no-op.
func (e *Engine) CloseSub(subID string) {
	e.mu.Lock()
	s, ok := e.byID[subID]
	if ok {
		e.removeLocked(s)
	}
	e.mu.Unlock()
}

// ClosePurpose ends the subscription registered under the purpose, if any.
func (e *Engine) ClosePurpose(purpose string) {
	e.mu.Lock()
	s, ok := e.byPurpose[purpose]
	if ok {
		e.removeLocked(s)
	}
	e.mu.Unlock()
}

// HandleEvent ingests one relay delivery. Events with invalid ids or
// signatures are dropped before any other processing; duplicates within the
// dedup window are dropped after the first.
func (e *Engine) HandleEvent(relayURL, subID string, ev models.Event) {
	if !event.Verify(ev) {
		e.log.Debug("dropping unverifiable event", "relay", relayURL, "event", ev.ID)
		return
	}

	e.mu.Lock()
	s, ok := e.byID[subID]
	if !ok || e.closed {
		e.mu.Unlock()
		return
	}
	if _, dup := e.seen[ev.ID]; dup {
		e.mu.Unlock()
		if e.dropped != nil {
			e.dropped()
		}
		return
	}
	e.rememberLocked(ev.ID)
	// The send happens under e.mu so it cannot race the close in
	// removeLocked. The channel is buffered and the send never blocks.
	delivered := true
	select {
	case s.ch <- Delivery{Relay: relayURL, Event: ev}:
	default:
		delivered = false
	}
	e.mu.Unlock()

	if !delivered {
		e.log.Debug("subscription consumer is lagging, dropping event", "sub", subID)
	}
}

// Close ends every subscription and rejects further opens.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := make([]*subscription, 0, len(e.byID))
	for _, s := range e.byID {
		subs = append(subs, s)
		close(s.ch)
	}
	e.byID = make(map[string]*subscription)
	e.byPurpose = make(map[string]*subscription)
	e.mu.Unlock()

	for _, s := range subs {
		e.relays.Unsubscribe(s.id)
	}
}

// removeLocked detaches the subscription from both indexes and closes its
// channel while the caller still holds e.mu, so a concurrent HandleEvent can
// never send into a closed channel. Only the relay CLOSE runs in a goroutine,
// keeping transport writes off the lock.
func (e *Engine) removeLocked(s *subscription) {
	delete(e.byID, s.id)
	delete(e.byPurpose, s.purpose)
	close(s.ch)
	go e.relays.Unsubscribe(s.id)
}

// rememberLocked records the event id in the bounded FIFO window, evicting
// the oldest id once the window is full.
func (e *Engine) rememberLocked(id string) {
	if len(e.order) >= e.window {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.seen, oldest)
	}
	e.seen[id] = struct{}{}
	e.order = append(e.order, id)
}
