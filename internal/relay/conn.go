// Package relay owns the websocket connections to configured relays: one
// state machine per relay URL with automatic reconnection, subscription
// replay, and acknowledged publishes, plus a pool that fans identical
// operations out to every relay.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kodylow/Nostrit/pkg/models"
)

const (
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateFailed       = "failed"
)

var (
	ErrNotConnected   = errors.New("relay is not connected")
	ErrPublishTimeout = errors.New("publish timed out waiting for acknowledgment")
	ErrConnClosed     = errors.New("relay connection is closed")
)

type Config struct {
	DialTimeout         time.Duration `yaml:"dialTimeout"`
	PublishTimeout      time.Duration `yaml:"publishTimeout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:         10 * time.Second,
		PublishTimeout:      10 * time.Second,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	return cfg
}

// Handlers are the caller-visible observation points. State transitions are
// emitted for every change so connectivity status reflects reality
// immediately; there are no silent retries.
type Handlers struct {
	OnState func(url, state string)
	OnEvent func(url, subID string, ev models.Event)
}

// Conn is the connection state machine for a single relay URL.
type Conn struct {
	url      string
	cfg      Config
	handlers Handlers
	metrics  *Metrics
	log      *slog.Logger

	mu               sync.Mutex
	wmu              sync.Mutex
	ws               *websocket.Conn
	state            string
	stateTransitions int
	subs             map[string][]models.Filter
	pendingOK        map[string]chan models.PublishOutcome

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewConn(url string, cfg Config, handlers Handlers, metrics *Metrics, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		url:       url,
		cfg:       normalizeConfig(cfg),
		handlers:  handlers,
		metrics:   metrics,
		log:       log,
		state:     StateConnecting,
		subs:      make(map[string][]models.Filter),
		pendingOK: make(map[string]chan models.PublishOutcome),
	}
}

// Start begins the connect/read/reconnect loop. Reconnection is the only
// retry this layer performs automatically.
func (c *Conn) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()
}

// Close tears the connection down and stops reconnecting.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	ws := c.ws
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.Close()
	}
	c.wg.Wait()
	c.transition(StateDisconnected)
}

func (c *Conn) URL() string { return c.url }

func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Status() models.RelayStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.RelayStatus{
		URL:                 c.url,
		State:               c.state,
		ActiveSubscriptions: len(c.subs),
	}
}

// Publish sends the event and waits for the relay's acknowledgment. Valid
// only while connected; past the configured deadline it reports
// ErrPublishTimeout.
func (c *Conn) Publish(ctx context.Context, ev models.Event) (models.PublishOutcome, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return models.PublishOutcome{Relay: c.url}, ErrNotConnected
	}
	ch := make(chan models.PublishOutcome, 1)
	c.pendingOK[ev.ID] = ch
	ws := c.ws
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingOK, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(ws, eventMessage(ev)); err != nil {
		return models.PublishOutcome{Relay: c.url}, err
	}

	timer := time.NewTimer(c.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return models.PublishOutcome{Relay: c.url}, ctx.Err()
	case <-timer.C:
		c.metrics.publishOutcome(c.url, "timeout")
		return models.PublishOutcome{Relay: c.url}, ErrPublishTimeout
	case out := <-ch:
		if out.Accepted {
			c.metrics.publishOutcome(c.url, "accepted")
		} else {
			c.metrics.publishOutcome(c.url, "rejected")
		}
		return out, nil
	}
}

// Subscribe records the filters under the subscription id and issues the REQ
// if currently connected. Recorded subscriptions are replayed on every
// reconnect until explicitly closed, so an unlimited-duration stream
// survives transport drops.
func (c *Conn) Subscribe(subID string, filters []models.Filter) error {
	c.mu.Lock()
	c.subs[subID] = filters
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		return nil
	}
	return c.writeJSON(ws, reqMessage(subID, filters))
}

// Unsubscribe is idempotent; closing an already-closed subscription is a
// no-op.
func (c *Conn) Unsubscribe(subID string) {
	c.mu.Lock()
	_, known := c.subs[subID]
	delete(c.subs, subID)
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if known && connected && ws != nil {
		_ = c.writeJSON(ws, closeMessage(subID))
	}
}

func (c *Conn) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		c.transition(StateConnecting)
		ws, err := c.dial(ctx)
		if err != nil {
			c.transition(StateFailed)
			attempt++
			c.log.Debug("relay dial failed", "relay", c.url, "error", err)
			if !sleepCtx(ctx, backoffDelay(c.cfg, attempt)) {
				return
			}
			continue
		}
		attempt = 0

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		c.transition(StateConnected)
		c.metrics.connect(c.url)
		c.replaySubscriptions(ws)

		c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.failPendingLocked("connection lost")
		c.mu.Unlock()
		_ = ws.Close()

		if ctx.Err() != nil {
			c.transition(StateDisconnected)
			return
		}
		c.transition(StateDisconnected)
		attempt++
		if !sleepCtx(ctx, backoffDelay(c.cfg, attempt)) {
			return
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	return ws, err
}

// replaySubscriptions re-issues every active filter so a reconnecting relay
// resumes delivering all streams the caller still cares about.
func (c *Conn) replaySubscriptions(ws *websocket.Conn) {
	c.mu.Lock()
	replay := make(map[string][]models.Filter, len(c.subs))
	for id, filters := range c.subs {
		replay[id] = filters
	}
	c.mu.Unlock()

	for id, filters := range replay {
		if err := c.writeJSON(ws, reqMessage(id, filters)); err != nil {
			c.log.Debug("subscription replay failed", "relay", c.url, "error", err)
			return
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := parseFrame(data)
		if err != nil {
			// Noisy input is normal operation on an open network.
			c.metrics.frameDropped(c.url)
			continue
		}
		switch f.Label {
		case labelEvent:
			c.metrics.eventReceived(c.url)
			if c.handlers.OnEvent != nil {
				c.handlers.OnEvent(c.url, f.SubscriptionID, f.Event)
			}
		case labelOK:
			c.resolvePending(f)
		case labelEOSE:
			c.log.Debug("end of stored events", "relay", c.url, "sub", f.SubscriptionID)
		case labelClosed:
			c.log.Debug("relay closed subscription", "relay", c.url, "sub", f.SubscriptionID, "reason", f.Message)
		case labelNotice:
			c.log.Debug("relay notice", "relay", c.url, "notice", f.Message)
		}
	}
}

func (c *Conn) resolvePending(f frame) {
	c.mu.Lock()
	ch, ok := c.pendingOK[f.EventID]
	if ok {
		delete(c.pendingOK, f.EventID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- models.PublishOutcome{Relay: c.url, Accepted: f.Accepted, Reason: f.Message}
}

func (c *Conn) failPendingLocked(reason string) {
	for id, ch := range c.pendingOK {
		select {
		case ch <- models.PublishOutcome{Relay: c.url, Accepted: false, Reason: reason}:
		default:
		}
		delete(c.pendingOK, id)
	}
}

func (c *Conn) writeJSON(ws *websocket.Conn, v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return ws.WriteJSON(v)
}

func (c *Conn) transition(next string) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.stateTransitions++
	c.mu.Unlock()

	c.metrics.stateTransition(c.url, next)
	if c.handlers.OnState != nil {
		c.handlers.OnState(c.url, next)
	}
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	if attempt <= 0 {
		return cfg.ReconnectInterval
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	delay := cfg.ReconnectInterval * time.Duration(1<<shift)
	if delay > cfg.ReconnectBackoffMax || delay <= 0 {
		delay = cfg.ReconnectBackoffMax
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
