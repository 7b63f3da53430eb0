package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/tick-relay/internal/metrics"
	"github.com/rickgao/tick-relay/internal/registry"
)

const insertSessionSQL = `
	INSERT INTO subscriber_sessions (subscriber_id, instance_id, filter, connected_at, disconnected_at, reason)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (subscriber_id) DO NOTHING
`

// BatchSender sends a pgx batch. Satisfied by *pgxpool.Pool.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// SessionWriter journals finished subscriber sessions. It implements
// registry.Observer.
type SessionWriter struct {
	cfg     WriterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue *Queue[sessionRow]
	db    BatchSender

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   WriterStats
}

// NewSessionWriter creates a new SessionWriter. m may be nil.
func NewSessionWriter(cfg WriterConfig, db BatchSender, m *metrics.Metrics, logger *slog.Logger) *SessionWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	initial := cfg.BatchSize
	if initial > cfg.BufferSize {
		initial = cfg.BufferSize
	}

	return &SessionWriter{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		queue:   NewQueue[sessionRow](initial, cfg.BufferSize),
		db:      db,
	}
}

// SubscriberChanged queues a row when a session ends. Never blocks.
func (w *SessionWriter) SubscriberChanged(ev registry.LifecycleEvent) {
	if ev.State != registry.StateClosed {
		return
	}

	row := sessionRow{
		SubscriberID:   ev.SubscriberID,
		Filter:         ev.Filter,
		ConnectedAt:    ev.ConnectedAt,
		DisconnectedAt: ev.At,
		Reason:         string(ev.Reason),
	}
	if !w.queue.Push(row) {
		w.statsMu.Lock()
		w.stats.Dropped++
		dropped := w.stats.Dropped
		w.statsMu.Unlock()

		// Log the first drop and then every 1000th
		if dropped%1000 == 1 {
			w.logger.Warn("session journal queue full, dropping rows", "dropped", dropped)
		}
	}
}

// Start begins flushing queued rows.
func (w *SessionWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("session writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"buffer_size", w.cfg.BufferSize,
	)
	return nil
}

// Stop stops the flush loop and writes whatever is still queued, bounded by ctx.
func (w *SessionWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping session writer")

	w.queue.Close()
	if w.cancel != nil {
		w.cancel()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("session writer stop timed out")
		return ctx.Err()
	}

	// Final flush
	w.flush(ctx)

	w.logger.Info("session writer stopped")
	return nil
}

// Stats returns current counters.
func (w *SessionWriter) Stats() WriterStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

// run flushes on a full batch or on the ticker.
func (w *SessionWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.queue.Ready():
			if w.queue.Len() >= w.cfg.BatchSize {
				w.flush(w.ctx)
			}
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// flush drains the queue in BatchSize chunks.
func (w *SessionWriter) flush(ctx context.Context) {
	for {
		rows := w.queue.DrainTo(w.cfg.BatchSize)
		if len(rows) == 0 {
			return
		}

		start := time.Now()
		conflicts, err := w.batchInsert(ctx, rows)

		w.statsMu.Lock()
		w.stats.Flushes++
		if err != nil {
			w.stats.Errors++
		} else {
			w.stats.Inserts += int64(len(rows) - conflicts)
			w.stats.Conflicts += int64(conflicts)
		}
		w.statsMu.Unlock()

		if err != nil {
			w.metrics.JournalError()
			w.logger.Error("session batch insert failed", "error", err, "count", len(rows))
			return
		}

		w.metrics.JournalWritten(len(rows) - conflicts)
		w.logger.Debug("flushed sessions",
			"rows", len(rows),
			"conflicts", conflicts,
			"duration", time.Since(start),
		)
	}
}

// batchInsert inserts rows with ON CONFLICT DO NOTHING.
func (w *SessionWriter) batchInsert(ctx context.Context, rows []sessionRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSessionSQL,
			r.SubscriberID, w.cfg.InstanceID, r.Filter, r.ConnectedAt, r.DisconnectedAt, r.Reason)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
