package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kodylow/Nostrit/pkg/models"
)

// fakeRelay speaks just enough of the wire protocol for transport tests:
// it acknowledges every EVENT, records REQ subscriptions, and lets the test
// push events or drop connections.
type fakeRelay struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	conns     []*websocket.Conn
	reqCounts map[string]int
	rejectAll bool

	events chan models.Event
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{
		t:         t,
		reqCounts: make(map[string]int),
		events:    make(chan models.Event, 16),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		f.serve(conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelay) serve(conn *websocket.Conn) {
	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) == 0 {
			continue
		}
		var label string
		if err := json.Unmarshal(msg[0], &label); err != nil {
			continue
		}
		switch label {
		case "EVENT":
			var ev models.Event
			if len(msg) < 2 || json.Unmarshal(msg[1], &ev) != nil {
				continue
			}
			select {
			case f.events <- ev:
			default:
			}
			f.mu.Lock()
			reject := f.rejectAll
			f.mu.Unlock()
			if reject {
				_ = conn.WriteJSON([]any{"OK", ev.ID, false, "blocked: policy"})
			} else {
				_ = conn.WriteJSON([]any{"OK", ev.ID, true, ""})
			}
		case "REQ":
			if len(msg) < 2 {
				continue
			}
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			f.mu.Lock()
			f.reqCounts[subID]++
			f.mu.Unlock()
			_ = conn.WriteJSON([]any{"EOSE", subID})
		}
	}
}

func (f *fakeRelay) push(subID string, ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		_ = conn.WriteJSON([]any{"EVENT", subID, ev})
	}
}

func (f *fakeRelay) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		_ = conn.Close()
	}
	f.conns = nil
}

func (f *fakeRelay) reqCount(subID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqCounts[subID]
}

func (f *fakeRelay) setReject(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectAll = reject
}

func testConfig() Config {
	return Config{
		DialTimeout:         2 * time.Second,
		PublishTimeout:      2 * time.Second,
		ReconnectInterval:   50 * time.Millisecond,
		ReconnectBackoffMax: 200 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPoolPublishAllAccepted(t *testing.T) {
	a := newFakeRelay(t)
	b := newFakeRelay(t)
	pool := NewPool([]string{a.url(), b.url()}, testConfig(), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Close()
	waitFor(t, "both relays connected", func() bool {
		connected := 0
		for _, st := range pool.Statuses() {
			if st.State == StateConnected {
				connected++
			}
		}
		return connected == 2
	})

	outcomes, err := pool.PublishAll(ctx, models.Event{ID: "ev1", Kind: 68005})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected one outcome per relay, got %d", len(outcomes))
	}
	for _, out := range outcomes {
		if !out.Accepted {
			t.Fatalf("expected accept from %s: %+v", out.Relay, out)
		}
	}
}

func TestPoolPublishAllRejected(t *testing.T) {
	a := newFakeRelay(t)
	a.setReject(true)
	pool := NewPool([]string{a.url()}, testConfig(), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Close()
	waitFor(t, "relay connected", pool.Connected)

	outcomes, err := pool.PublishAll(ctx, models.Event{ID: "ev2"})
	if !errors.Is(err, ErrPublishTimeout) {
		t.Fatalf("expected ErrPublishTimeout when nothing accepts, got %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Accepted {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	if outcomes[0].Reason != "blocked: policy" {
		t.Fatalf("expected relay reason, got %q", outcomes[0].Reason)
	}
}

func TestPoolDeliversSubscribedEvents(t *testing.T) {
	a := newFakeRelay(t)
	pool := NewPool([]string{a.url()}, testConfig(), nil, nil, nil)

	received := make(chan models.Event, 1)
	pool.SetEventHandler(func(_, _ string, ev models.Event) {
		received <- ev
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Close()
	waitFor(t, "relay connected", pool.Connected)

	pool.Subscribe("sub1", []models.Filter{{Kinds: []int{68006}}})
	waitFor(t, "REQ registered", func() bool { return a.reqCount("sub1") == 1 })

	a.push("sub1", models.Event{ID: "result1", Kind: 68006})
	select {
	case ev := <-received:
		if ev.ID != "result1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}

func TestConnReplaysSubscriptionsOnReconnect(t *testing.T) {
	a := newFakeRelay(t)
	pool := NewPool([]string{a.url()}, testConfig(), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Close()
	waitFor(t, "relay connected", pool.Connected)

	pool.Subscribe("persistent", []models.Filter{{Kinds: []int{68006}}})
	waitFor(t, "initial REQ", func() bool { return a.reqCount("persistent") == 1 })

	a.dropConnections()
	waitFor(t, "REQ replayed after reconnect", func() bool { return a.reqCount("persistent") >= 2 })
}

func TestPublishWhileDisconnected(t *testing.T) {
	conn := NewConn("ws://127.0.0.1:1/nowhere", testConfig(), Handlers{}, nil, nil)
	if _, err := conn.Publish(context.Background(), models.Event{ID: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	a := newFakeRelay(t)
	pool := NewPool([]string{a.url()}, testConfig(), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Close()
	waitFor(t, "relay connected", pool.Connected)

	pool.Subscribe("s", []models.Filter{{}})
	pool.Unsubscribe("s")
	pool.Unsubscribe("s")
	pool.Unsubscribe("never-existed")

	for _, st := range pool.Statuses() {
		if st.ActiveSubscriptions != 0 {
			t.Fatalf("expected no active subscriptions, got %+v", st)
		}
	}
}
