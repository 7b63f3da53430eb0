package connection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/tick-relay/internal/model"
)

// Dispatcher consumes one feed session's events. Run returns when events is
// closed or ctx is done.
type Dispatcher interface {
	Run(ctx context.Context, feed string, events <-chan model.Event)
}

// Manager supervises one client per feed and reconnects dropped sessions.
type Manager interface {
	// Start connects every feed in the background.
	Start(ctx context.Context) error

	// Stop disconnects every feed and waits for supervisors to exit.
	Stop(ctx context.Context) error

	// Stats returns per-feed state.
	Stats() ManagerStats
}

// feedState holds the supervisor state for one feed.
type feedState struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu              sync.RWMutex
	client          Client
	connected       bool
	lastErr         error
	lastConnectedAt time.Time

	reconnects atomic.Int64
}

func (f *feedState) setClient(c Client) {
	f.mu.Lock()
	f.client = c
	f.mu.Unlock()
}

func (f *feedState) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	if connected {
		f.lastConnectedAt = time.Now()
	}
	f.mu.Unlock()
}

func (f *feedState) recordError(err error) {
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
}

func (f *feedState) stats() FeedStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := FeedStats{
		Name:            f.cfg.Name,
		Connected:       f.connected,
		Reconnects:      f.reconnects.Load(),
		LastConnectedAt: f.lastConnectedAt,
	}
	if f.lastErr != nil {
		s.LastError = f.lastErr.Error()
	}
	if f.client != nil {
		s.Client = f.client.Stats()
	}
	return s
}

// manager implements the Manager interface.
type manager struct {
	cfg        ManagerConfig
	dispatcher Dispatcher
	logger     *slog.Logger
	feeds      []*feedState

	newClient func(ClientConfig, *slog.Logger) Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a feed Manager.
func NewManager(cfg ManagerConfig, feeds []ClientConfig, dispatcher Dispatcher, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultManagerConfig()
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectBaseWait {
		cfg.ReconnectMaxWait = max(def.ReconnectMaxWait, cfg.ReconnectBaseWait)
	}

	m := &manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		newClient:  NewClient,
	}
	for _, fc := range feeds {
		fc = fc.withDefaults()
		if fc.Metrics == nil {
			fc.Metrics = cfg.Metrics
		}
		m.feeds = append(m.feeds, &feedState{
			cfg:    fc,
			logger: logger.With("feed", fc.Name),
		})
	}
	return m
}

// Start launches one supervisor per feed.
func (m *manager) Start(ctx context.Context) error {
	if len(m.feeds) == 0 {
		return ErrNoFeeds
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, f := range m.feeds {
		m.wg.Add(1)
		go m.supervise(f)
	}

	m.logger.Info("feed manager started", "feeds", len(m.feeds))
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping feed manager")

	if m.cancel != nil {
		m.cancel()
	}

	// Unblock supervisors parked in a session.
	for _, f := range m.feeds {
		f.mu.RLock()
		c := f.client
		f.mu.RUnlock()
		if c != nil {
			c.Disconnect()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("feed manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, feeds still stopping")
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	stats := ManagerStats{Feeds: make([]FeedStats, 0, len(m.feeds))}
	for _, f := range m.feeds {
		fs := f.stats()
		if fs.Connected {
			stats.ConnectedCount++
		}
		stats.Feeds = append(stats.Feeds, fs)
	}
	return stats
}

// supervise runs sessions for one feed until the manager stops. Backoff
// doubles on each failure up to ReconnectMaxWait and resets after a session
// that stayed up longer than ReconnectMaxWait.
func (m *manager) supervise(f *feedState) {
	defer m.wg.Done()

	wait := m.cfg.ReconnectBaseWait
	for {
		if m.ctx.Err() != nil {
			return
		}

		lived := m.session(f)
		if lived > m.cfg.ReconnectMaxWait {
			wait = m.cfg.ReconnectBaseWait
		}

		f.logger.Info("reconnecting", "wait", wait)
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(wait):
		}

		f.reconnects.Add(1)
		m.cfg.Metrics.Reconnect(f.cfg.Name)

		// Exponential backoff
		wait *= 2
		if wait > m.cfg.ReconnectMaxWait {
			wait = m.cfg.ReconnectMaxWait
		}
	}
}

// session connects once and dispatches until the session ends. It returns
// how long the session stayed connected.
func (m *manager) session(f *feedState) time.Duration {
	client := m.newClient(f.cfg, f.logger)
	f.setClient(client)

	if err := client.Connect(m.ctx); err != nil {
		f.recordError(err)
		f.logger.Warn("feed connect failed", "error", err)
		return 0
	}

	start := time.Now()
	f.setConnected(true)
	m.cfg.Metrics.SetConnected(f.cfg.Name, true)
	f.logger.Info("feed connected", "url", f.cfg.URL)

	// Returns once m.ctx ends or the session drops; the event being
	// broadcast at that moment still reaches its subscribers.
	m.dispatcher.Run(m.ctx, f.cfg.Name, client.Events())

	client.Disconnect()
	f.setConnected(false)
	m.cfg.Metrics.SetConnected(f.cfg.Name, false)

	lived := time.Since(start)
	if err := client.Err(); err != nil {
		f.recordError(err)
		f.logger.Warn("feed disconnected", "error", err, "uptime", lived)
	} else {
		f.logger.Info("feed disconnected", "uptime", lived)
	}
	return lived
}
