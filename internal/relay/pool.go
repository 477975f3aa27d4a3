package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Kodylow/Nostrit/internal/platform/ratelimiter"
	"github.com/Kodylow/Nostrit/pkg/models"
)

// Pool fans identical operations out to every configured relay. Relays are
// peers: the same event goes to all of them and the same filters are
// registered on all of them, so any single reachable relay keeps the
// session functional.
type Pool struct {
	cfg     Config
	metrics *Metrics
	limiter *ratelimiter.MapLimiter
	log     *slog.Logger

	mu      sync.Mutex
	conns   map[string]*Conn
	order   []string
	onEvent func(url, subID string, ev models.Event)
	onState func(url, state string)
	started bool
}

func NewPool(urls []string, cfg Config, metrics *Metrics, limiter *ratelimiter.MapLimiter, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		cfg:     normalizeConfig(cfg),
		metrics: metrics,
		limiter: limiter,
		log:     log,
		conns:   make(map[string]*Conn),
	}
	for _, url := range urls {
		if _, dup := p.conns[url]; dup || url == "" {
			continue
		}
		p.order = append(p.order, url)
		p.conns[url] = NewConn(url, p.cfg, Handlers{
			OnState: p.dispatchState,
			OnEvent: p.dispatchEvent,
		}, metrics, log)
	}
	return p
}

// SetEventHandler installs the inbound event callback. Must be called before
// Start.
func (p *Pool) SetEventHandler(fn func(url, subID string, ev models.Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvent = fn
}

// SetStateHandler installs the connection state callback. Must be called
// before Start.
func (p *Pool) SetStateHandler(fn func(url, state string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// Start opens every relay connection. Each connection reconnects on its own
// schedule; Start does not wait for any of them.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	conns := p.snapshotLocked()
	p.mu.Unlock()

	for _, c := range conns {
		c.Start(ctx)
	}
}

// Close tears down every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.snapshotLocked()
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// PublishAll sends the event to every relay and reports the per-relay
// outcomes. The publish succeeds when at least one relay accepts; when every
// relay times out or is unreachable the error is ErrPublishTimeout.
func (p *Pool) PublishAll(ctx context.Context, ev models.Event) ([]models.PublishOutcome, error) {
	p.mu.Lock()
	conns := p.snapshotLocked()
	p.mu.Unlock()

	outcomes := make([]models.PublishOutcome, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		if !p.limiter.Allow(c.URL(), time.Now()) {
			outcomes[i] = models.PublishOutcome{Relay: c.URL(), Accepted: false, Reason: "rate limited"}
			continue
		}
		wg.Add(1)
		go func(i int, c *Conn) {
			defer wg.Done()
			out, err := c.Publish(ctx, ev)
			if err != nil {
				out = models.PublishOutcome{Relay: c.URL(), Accepted: false, Reason: err.Error()}
			}
			outcomes[i] = out
		}(i, c)
	}
	wg.Wait()

	for _, out := range outcomes {
		if out.Accepted {
			return outcomes, nil
		}
	}
	return outcomes, ErrPublishTimeout
}

// Subscribe registers the filters on every relay under the same subscription
// id. Relays currently down pick the subscription up on reconnect.
func (p *Pool) Subscribe(subID string, filters []models.Filter) {
	p.mu.Lock()
	conns := p.snapshotLocked()
	p.mu.Unlock()
	for _, c := range conns {
		if err := c.Subscribe(subID, filters); err != nil {
			p.log.Debug("subscribe send failed", "relay", c.URL(), "error", err)
		}
	}
}

// Unsubscribe closes the subscription on every relay. Idempotent.
func (p *Pool) Unsubscribe(subID string) {
	p.mu.Lock()
	conns := p.snapshotLocked()
	p.mu.Unlock()
	for _, c := range conns {
		c.Unsubscribe(subID)
	}
}

// Statuses reports each relay's connection state, sorted by URL for stable
// presentation.
func (p *Pool) Statuses() []models.RelayStatus {
	p.mu.Lock()
	conns := p.snapshotLocked()
	p.mu.Unlock()

	statuses := make([]models.RelayStatus, 0, len(conns))
	for _, c := range conns {
		statuses = append(statuses, c.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].URL < statuses[j].URL })
	return statuses
}

// Connected reports whether at least one relay is currently usable.
func (p *Pool) Connected() bool {
	p.mu.Lock()
	conns := p.snapshotLocked()
	p.mu.Unlock()
	for _, c := range conns {
		if c.State() == StateConnected {
			return true
		}
	}
	return false
}

func (p *Pool) snapshotLocked() []*Conn {
	conns := make([]*Conn, 0, len(p.order))
	for _, url := range p.order {
		conns = append(conns, p.conns[url])
	}
	return conns
}

func (p *Pool) dispatchEvent(url, subID string, ev models.Event) {
	p.mu.Lock()
	fn := p.onEvent
	p.mu.Unlock()
	if fn != nil {
		fn(url, subID, ev)
	}
}

func (p *Pool) dispatchState(url, state string) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(url, state)
	}
}
