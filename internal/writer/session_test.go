package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/tick-relay/internal/metrics"
	"github.com/rickgao/tick-relay/internal/registry"
)

// fakeDB records batches. Subscriber ids in conflicts report zero rows affected.
type fakeDB struct {
	mu        sync.Mutex
	batches   [][]*pgx.QueuedQuery
	err       error
	conflicts map[string]bool
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	f.batches = append(f.batches, b.QueuedQueries)
	f.mu.Unlock()
	return &fakeResults{queries: b.QueuedQueries, err: f.err, conflicts: f.conflicts}
}

func (f *fakeDB) rows() []*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pgx.QueuedQuery
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeDB) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeResults struct {
	queries   []*pgx.QueuedQuery
	next      int
	err       error
	conflicts map[string]bool
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	q := r.queries[r.next]
	r.next++
	if id, _ := q.Arguments[0].(string); r.conflicts[id] {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row         { return nil }
func (r *fakeResults) Close() error              { return nil }

func closedEvent(id string, reason registry.Reason) registry.LifecycleEvent {
	connected := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	return registry.LifecycleEvent{
		SubscriberID: id,
		Filter:       "eurusd",
		State:        registry.StateClosed,
		Reason:       reason,
		ConnectedAt:  connected,
		At:           connected.Add(time.Minute),
	}
}

func stopWriter(t *testing.T, w *SessionWriter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestSessionWriter_IgnoresNonClosedEvents(t *testing.T) {
	w := NewSessionWriter(DefaultWriterConfig(), &fakeDB{}, nil, nil)

	w.SubscriberChanged(registry.LifecycleEvent{SubscriberID: "a", State: registry.StateOpen})
	w.SubscriberChanged(registry.LifecycleEvent{SubscriberID: "a", State: registry.StateClosing})

	if w.queue.Len() != 0 {
		t.Errorf("queued %d rows, want 0", w.queue.Len())
	}
}

func TestSessionWriter_FlushOnStop(t *testing.T) {
	db := &fakeDB{}
	cfg := WriterConfig{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 100, InstanceID: "relay-1"}
	w := NewSessionWriter(cfg, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	w.SubscriberChanged(closedEvent("sub-1", registry.ReasonRemoteClosed))
	w.SubscriberChanged(closedEvent("sub-2", registry.ReasonSendTimeout))

	stopWriter(t, w)

	rows := db.rows()
	if len(rows) != 2 {
		t.Fatalf("inserted %d rows, want 2", len(rows))
	}

	args := rows[1].Arguments
	if args[0] != "sub-2" {
		t.Errorf("subscriber_id = %v, want sub-2", args[0])
	}
	if args[1] != "relay-1" {
		t.Errorf("instance_id = %v, want relay-1", args[1])
	}
	if args[2] != "eurusd" {
		t.Errorf("filter = %v, want eurusd", args[2])
	}
	if args[5] != string(registry.ReasonSendTimeout) {
		t.Errorf("reason = %v, want %s", args[5], registry.ReasonSendTimeout)
	}
	if got := args[4].(time.Time).Sub(args[3].(time.Time)); got != time.Minute {
		t.Errorf("session length = %v, want 1m", got)
	}

	if stats := w.Stats(); stats.Inserts != 2 {
		t.Errorf("Inserts = %d, want 2", stats.Inserts)
	}
}

func TestSessionWriter_FlushOnBatchSize(t *testing.T) {
	db := &fakeDB{}
	cfg := WriterConfig{BatchSize: 2, FlushInterval: time.Hour, BufferSize: 100}
	w := NewSessionWriter(cfg, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stopWriter(t, w)

	w.SubscriberChanged(closedEvent("sub-1", registry.ReasonRequested))
	w.SubscriberChanged(closedEvent("sub-2", registry.ReasonRequested))

	deadline := time.Now().Add(2 * time.Second)
	for db.batchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("full batch was not flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionWriter_FlushOnInterval(t *testing.T) {
	db := &fakeDB{}
	cfg := WriterConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond, BufferSize: 100}
	w := NewSessionWriter(cfg, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stopWriter(t, w)

	w.SubscriberChanged(closedEvent("sub-1", registry.ReasonShutdown))

	deadline := time.Now().Add(2 * time.Second)
	for len(db.rows()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("row was not flushed by the ticker")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionWriter_Conflicts(t *testing.T) {
	db := &fakeDB{conflicts: map[string]bool{"dup": true}}
	w := NewSessionWriter(WriterConfig{BatchSize: 10, BufferSize: 10}, db, nil, nil)

	w.SubscriberChanged(closedEvent("dup", registry.ReasonRequested))
	w.SubscriberChanged(closedEvent("new", registry.ReasonRequested))
	w.flush(context.Background())

	stats := w.Stats()
	if stats.Inserts != 1 || stats.Conflicts != 1 {
		t.Errorf("Stats = %+v, want 1 insert 1 conflict", stats)
	}
}

func TestSessionWriter_InsertError(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	m := metrics.New(nil)
	w := NewSessionWriter(WriterConfig{BatchSize: 10, BufferSize: 10}, db, m, nil)

	w.SubscriberChanged(closedEvent("sub-1", registry.ReasonRequested))
	w.flush(context.Background())

	stats := w.Stats()
	if stats.Errors != 1 || stats.Inserts != 0 {
		t.Errorf("Stats = %+v, want 1 error 0 inserts", stats)
	}
}

func TestSessionWriter_DropsWhenFull(t *testing.T) {
	w := NewSessionWriter(WriterConfig{BatchSize: 1, BufferSize: 2}, &fakeDB{}, nil, nil)

	for i := 0; i < 5; i++ {
		w.SubscriberChanged(closedEvent("sub", registry.ReasonRequested))
	}

	if w.queue.Len() != 2 {
		t.Errorf("queued %d rows, want 2", w.queue.Len())
	}
	if stats := w.Stats(); stats.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", stats.Dropped)
	}
}

func TestSessionWriter_Lifecycle(t *testing.T) {
	w := NewSessionWriter(DefaultWriterConfig(), &fakeDB{}, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Give goroutines time to start
	time.Sleep(20 * time.Millisecond)

	// Stop should complete without hanging
	stopWriter(t, w)

	w.SubscriberChanged(closedEvent("late", registry.ReasonShutdown))
	if w.queue.Len() != 0 {
		t.Error("rows queued after Stop")
	}
}
