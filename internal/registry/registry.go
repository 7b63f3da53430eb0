package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tick-relay/internal/model"
)

// Option configures a Registry.
type Option func(*Registry)

// WithObserver adds a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// Registry is the concurrency-safe store of downstream subscribers.
type Registry struct {
	cfg       Config
	logger    *slog.Logger
	observers []Observer

	mu   sync.RWMutex
	subs map[string]*Subscriber // Open and Closing entries only
	open int
}

// New creates an empty Registry.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultConfig().CloseTimeout
	}
	if cfg.ShutdownConc <= 0 {
		cfg.ShutdownConc = DefaultConfig().ShutdownConc
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a new Open subscriber and returns its id.
func (r *Registry) Add(sender Sender, filter model.Filter) string {
	if filter == nil {
		filter = model.Filter{}
	}

	sub := &Subscriber{
		ID:          uuid.NewString(),
		Filter:      filter,
		ConnectedAt: time.Now(),
		sender:      sender,
	}
	sub.state.Store(int32(StateOpen))

	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.open++
	r.mu.Unlock()

	r.logger.Debug("subscriber added", "id", sub.ID, "filter", filter.String())
	r.notify(sub, StateOpen, "")

	return sub.ID
}

// Remove tears down a subscriber. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.RemoveWithReason(id, ReasonRequested)
}

// RemoveWithReason tears down a subscriber, recording why. The sender is
// closed outside the lock with CloseTimeout as the bound. If the subscriber is
// already Closing another caller owns the teardown and this call returns.
func (r *Registry) RemoveWithReason(id string, reason Reason) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if !ok || !sub.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		r.mu.Unlock()
		return
	}
	r.open--
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CloseTimeout)
	if err := sub.sender.Close(ctx); err != nil {
		r.logger.Debug("graceful close failed", "id", id, "error", err)
	}
	cancel()

	r.mu.Lock()
	delete(r.subs, id)
	sub.state.Store(int32(StateClosed))
	r.mu.Unlock()

	r.logger.Debug("subscriber removed", "id", id, "reason", reason)
	r.notify(sub, StateClosed, reason)
}

// Snapshot returns the Open subscribers at this instant. The slice is owned by
// the caller.
func (r *Registry) Snapshot() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscriber, 0, r.open)
	for _, sub := range r.subs {
		if sub.IsOpen() {
			out = append(out, sub)
		}
	}
	return out
}

// Count returns the number of Open subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.open
}

// Get returns a subscriber by id.
func (r *Registry) Get(id string) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

// Close removes every subscriber with ReasonShutdown.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(r.cfg.ShutdownConc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				r.RemoveWithReason(id, ReasonShutdown)
				return nil
			})
		}
		g.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("registry closed", "removed", len(ids))
		return nil
	case <-ctx.Done():
		r.logger.Warn("registry close timed out", "pending", r.Count())
		return ctx.Err()
	}
}

func (r *Registry) notify(sub *Subscriber, state State, reason Reason) {
	if len(r.observers) == 0 {
		return
	}
	ev := LifecycleEvent{
		SubscriberID: sub.ID,
		Filter:       sub.Filter.String(),
		State:        state,
		Reason:       reason,
		ConnectedAt:  sub.ConnectedAt,
		At:           time.Now(),
	}
	for _, o := range r.observers {
		o.SubscriberChanged(ev)
	}
}
