package connection

import (
	"context"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tick-relay/internal/model"
)

// collectDispatcher records events per feed.
type collectDispatcher struct {
	mu     sync.Mutex
	events map[string][]model.Event
	runs   atomic.Int32
}

func newCollectDispatcher() *collectDispatcher {
	return &collectDispatcher{events: make(map[string][]model.Event)}
}

func (d *collectDispatcher) Run(ctx context.Context, feed string, events <-chan model.Event) {
	d.runs.Add(1)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.mu.Lock()
			d.events[feed] = append(d.events[feed], ev)
			d.mu.Unlock()
		}
	}
}

func (d *collectDispatcher) count(feed string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events[feed])
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func stopManager(t *testing.T, m Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	var sessions atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		sessions.Add(1)
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`["Q","fx","eurusd",1,1,1,1,1,1]`))
		// Drop the session.
	})
	defer server.Close()

	d := newCollectDispatcher()
	cfg := ManagerConfig{ReconnectBaseWait: 10 * time.Millisecond, ReconnectMaxWait: 50 * time.Millisecond}
	m := NewManager(cfg, []ClientConfig{testClientConfig(server)}, d, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return d.count("fx") >= 3 })
	stopManager(t, m)

	if got := sessions.Load(); got < 3 {
		t.Errorf("sessions = %d, want >= 3", got)
	}
	stats := m.Stats()
	if len(stats.Feeds) != 1 || stats.Feeds[0].Reconnects < 2 {
		t.Errorf("Stats = %+v, want >= 2 reconnects", stats)
	}
}

func TestManager_FeedsAreIndependent(t *testing.T) {
	good := feedServer(t, []string{
		`["Q","crypto","btcusd",1,1,1,1,1,1]`,
		`["A","crypto","btcusd",1,1,1,1,1,1]`,
	})
	defer good.Close()

	bad := httptest.NewServer(nil)
	badURL := wsURL(bad)
	bad.Close()

	goodCfg := testClientConfig(good)
	goodCfg.Name = "crypto"
	badCfg := ClientConfig{Name: "fx", URL: badURL}

	d := newCollectDispatcher()
	cfg := ManagerConfig{ReconnectBaseWait: 10 * time.Millisecond, ReconnectMaxWait: 20 * time.Millisecond}
	m := NewManager(cfg, []ClientConfig{badCfg, goodCfg}, d, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopManager(t, m)

	waitFor(t, 5*time.Second, func() bool { return d.count("crypto") == 2 })
	waitFor(t, 5*time.Second, func() bool {
		for _, f := range m.Stats().Feeds {
			if f.Name == "fx" && f.LastError != "" && f.Reconnects > 0 {
				return true
			}
		}
		return false
	})

	stats := m.Stats()
	if stats.ConnectedCount != 1 {
		t.Errorf("ConnectedCount = %d, want 1", stats.ConnectedCount)
	}
	if d.count("fx") != 0 {
		t.Errorf("fx events = %d, want 0", d.count("fx"))
	}
}

func TestManager_StopEndsSessions(t *testing.T) {
	server := feedServer(t, nil)
	defer server.Close()

	d := newCollectDispatcher()
	m := NewManager(ManagerConfig{}, []ClientConfig{testClientConfig(server)}, d, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return m.Stats().ConnectedCount == 1 })

	stopManager(t, m)

	if got := m.Stats().ConnectedCount; got != 0 {
		t.Errorf("ConnectedCount after Stop = %d, want 0", got)
	}
}

func TestManager_NoFeeds(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil, newCollectDispatcher(), nil)
	if err := m.Start(context.Background()); err != ErrNoFeeds {
		t.Errorf("Start() = %v, want ErrNoFeeds", err)
	}
}

func TestManager_BackoffDefaults(t *testing.T) {
	m := NewManager(ManagerConfig{ReconnectBaseWait: 2 * time.Minute}, nil, nil, nil).(*manager)

	if m.cfg.ReconnectMaxWait < m.cfg.ReconnectBaseWait {
		t.Errorf("ReconnectMaxWait %v < ReconnectBaseWait %v", m.cfg.ReconnectMaxWait, m.cfg.ReconnectBaseWait)
	}
}
