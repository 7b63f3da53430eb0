package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rickgao/tick-relay/internal/metrics"
	"github.com/rickgao/tick-relay/internal/model"
	"github.com/rickgao/tick-relay/internal/registry"
)

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records broadcast metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine fans events out to subscribers.
type Engine struct {
	cfg     Config
	source  Source
	pruner  Pruner
	logger  *slog.Logger
	metrics *metrics.Metrics

	sem     *semaphore.Weighted
	pruneWG sync.WaitGroup

	// Stats
	events       atomic.Int64
	ignored      atomic.Int64
	sends        atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	timeouts     atomic.Int64
	inFlight     atomic.Int64
	inFlightPeak atomic.Int64
	pendingPrune atomic.Int64
}

// New creates an Engine. Zero config values take their defaults.
func New(cfg Config, source Source, pruner Pruner, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}

	e := &Engine{
		cfg:    cfg,
		source: source,
		pruner: pruner,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run broadcasts events from one feed in arrival order until the channel is
// closed or ctx is done. Cancelling ctx stops Run from taking further events;
// the broadcast already under way runs to completion, each of its sends
// bounded by SendTimeout alone.
func (e *Engine) Run(ctx context.Context, feed string, events <-chan model.Event) {
	logger := e.logger.With("feed", feed)
	logger.Debug("dispatch started")
	defer logger.Debug("dispatch stopped")

	bctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			res := e.Broadcast(bctx, ev)
			if len(res.Failed) > 0 {
				logger.Debug("broadcast had failures",
					"instrument", ev.Instrument,
					"matched", res.Matched,
					"delivered", res.Delivered,
					"failed", len(res.Failed),
				)
			}
		}
	}
}

// Broadcast delivers ev to every Open subscriber whose filter matches its
// instrument. Heartbeat, info and error events are ignored. Failed subscribers
// are pruned asynchronously; use Wait to block until pruning is done.
//
// ctx only gates admission: subscribers still waiting for a send slot when it
// ends are skipped. A send that has started is bounded by SendTimeout.
func (e *Engine) Broadcast(ctx context.Context, ev model.Event) Result {
	if !ev.Kind.Relayable() {
		e.ignored.Add(1)
		return Result{}
	}

	start := time.Now()
	res := Result{Event: ev}

	payload, err := ev.MarshalJSON()
	if err != nil {
		e.logger.Error("failed to encode event", "instrument", ev.Instrument, "error", err)
		return res
	}

	targets := e.match(ev.Instrument)
	res.Matched = len(targets)
	if len(targets) == 0 {
		res.Duration = time.Since(start)
		return res
	}
	e.events.Add(1)

	var mu sync.Mutex
	collect := func(f *SendFailure, skipped bool) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case skipped:
			res.Skipped++
		case f != nil:
			res.Failed = append(res.Failed, *f)
		default:
			res.Delivered++
		}
	}

	var groups sync.WaitGroup
	for lo := 0; lo < len(targets); lo += e.cfg.BatchSize {
		hi := min(lo+e.cfg.BatchSize, len(targets))
		groups.Add(1)
		go func(group []*registry.Subscriber) {
			defer groups.Done()
			e.sendGroup(ctx, group, payload, collect)
		}(targets[lo:hi])
	}
	groups.Wait()

	res.Duration = time.Since(start)
	e.delivered.Add(int64(res.Delivered))
	e.failed.Add(int64(len(res.Failed)))
	e.metrics.BroadcastObserved(res.Duration, res.Delivered)

	if len(res.Failed) > 0 {
		e.prune(res.Failed)
	}
	return res
}

// match returns the Open subscribers interested in instrument.
func (e *Engine) match(instrument string) []*registry.Subscriber {
	snapshot := e.source.Snapshot()
	out := snapshot[:0]
	for _, sub := range snapshot {
		if sub.IsOpen() && sub.Filter.Matches(instrument) {
			out = append(out, sub)
		}
	}
	return out
}

// sendGroup sends payload to each subscriber in group. A send slot is
// acquired before each goroutine is spawned, so waiting for the budget never
// counts against a subscriber's send timeout.
func (e *Engine) sendGroup(ctx context.Context, group []*registry.Subscriber, payload []byte, collect func(*SendFailure, bool)) {
	var wg sync.WaitGroup
	for i, sub := range group {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			for range group[i:] {
				collect(nil, true)
			}
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.sem.Release(1)

			e.trackInFlight(1)
			defer e.trackInFlight(-1)

			if f := e.send(ctx, sub, payload); f != nil {
				e.recordFailure(f)
				collect(f, false)
				return
			}
			collect(nil, false)
		}()
	}
	wg.Wait()
}

// send performs one bounded send.
func (e *Engine) send(ctx context.Context, sub *registry.Subscriber, payload []byte) *SendFailure {
	e.sends.Add(1)

	if !sub.IsOpen() {
		return &SendFailure{SubscriberID: sub.ID, Reason: FailureClosed, Err: registry.ErrNotOpen}
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SendTimeout)
	defer cancel()

	err := sub.Send(sendCtx, payload)
	if err == nil {
		return nil
	}

	reason := FailureError
	switch {
	case errors.Is(err, registry.ErrNotOpen):
		reason = FailureClosed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(sendCtx.Err(), context.DeadlineExceeded):
		reason = FailureTimeout
	}
	return &SendFailure{SubscriberID: sub.ID, Reason: reason, Err: err}
}

func (e *Engine) recordFailure(f *SendFailure) {
	if f.Reason == FailureTimeout {
		e.timeouts.Add(1)
	}
	e.metrics.SendFailed(string(f.Reason))
}

// prune removes failed subscribers off the broadcast path.
func (e *Engine) prune(failed []SendFailure) {
	e.pendingPrune.Add(1)
	e.pruneWG.Add(1)
	go func() {
		defer e.pruneWG.Done()
		defer e.pendingPrune.Add(-1)

		for i := range failed {
			f := &failed[i]
			e.logger.Debug("pruning subscriber", "id", f.SubscriberID, "reason", f.Reason, "error", f.Err)
			e.pruner.RemoveWithReason(f.SubscriberID, f.removalReason())
		}
	}()
}

func (e *Engine) trackInFlight(delta int64) {
	n := e.inFlight.Add(delta)
	for {
		peak := e.inFlightPeak.Load()
		if n <= peak || e.inFlightPeak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// Wait blocks until all pending prune tasks finish or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pruneWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Events:       e.events.Load(),
		Ignored:      e.ignored.Load(),
		Sends:        e.sends.Load(),
		Delivered:    e.delivered.Load(),
		Failed:       e.failed.Load(),
		Timeouts:     e.timeouts.Load(),
		InFlight:     e.inFlight.Load(),
		InFlightPeak: e.inFlightPeak.Load(),
		PendingPrune: e.pendingPrune.Load(),
	}
}
