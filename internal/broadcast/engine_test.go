package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/tick-relay/internal/model"
	"github.com/rickgao/tick-relay/internal/registry"
)

// recordingSender keeps every payload it receives.
type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingSender) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, string(data))
	return nil
}

func (s *recordingSender) Close(context.Context) error { return nil }

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

// stuckSender never completes a send before ctx is done.
type stuckSender struct{}

func (stuckSender) Send(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuckSender) Close(context.Context) error { return nil }

// brokenSender fails every send.
type brokenSender struct{}

func (brokenSender) Send(context.Context, []byte) error { return errors.New("broken pipe") }

func (brokenSender) Close(context.Context) error { return nil }

// slowSender tracks concurrent sends across all instances sharing gauge.
type slowSender struct {
	delay time.Duration
	gauge *concurrencyGauge
}

type concurrencyGauge struct {
	cur atomic.Int64
	max atomic.Int64
}

func (g *concurrencyGauge) enter() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (s *slowSender) Send(ctx context.Context, _ []byte) error {
	s.gauge.enter()
	defer s.gauge.cur.Add(-1)

	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slowSender) Close(context.Context) error { return nil }

func eurusdQuote() model.Event {
	return model.NewQuote("fx", "eurusd", time.Unix(0, 1690000000000000000), model.Quote{
		BidSize:  decimal.NewFromInt(1000000),
		BidPrice: decimal.RequireFromString("1.1023"),
		MidPrice: decimal.RequireFromString("1.1024"),
		AskSize:  decimal.NewFromInt(1000000),
		AskPrice: decimal.RequireFromString("1.1025"),
	})
}

func newEngine(t *testing.T, cfg Config) (*Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Config{CloseTimeout: 100 * time.Millisecond}, nil)
	return New(cfg, reg, reg, nil), reg
}

func waitInFlight(t *testing.T, e *Engine, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.Stats().InFlight != n {
		if time.Now().After(deadline) {
			t.Fatalf("InFlight = %d, want %d", e.Stats().InFlight, n)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitPrunes(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestEngine_FilteredDelivery(t *testing.T) {
	e, reg := newEngine(t, DefaultConfig())

	eur := &recordingSender{}
	gbp := &recordingSender{}
	all := &recordingSender{}
	reg.Add(eur, model.NewFilter("eurusd"))
	reg.Add(gbp, model.NewFilter("gbpusd"))
	reg.Add(all, model.NewFilter())

	res := e.Broadcast(context.Background(), eurusdQuote())

	if res.Matched != 2 || res.Delivered != 2 || len(res.Failed) != 0 {
		t.Errorf("Result = matched %d delivered %d failed %d, want 2/2/0",
			res.Matched, res.Delivered, len(res.Failed))
	}

	want := `["Q","fx","eurusd",1690000000000000000,1000000,1.1023,1.1024,1000000,1.1025]`
	if got := eur.messages(); len(got) != 1 || got[0] != want {
		t.Errorf("eurusd subscriber got %v, want [%s]", got, want)
	}
	if got := all.messages(); len(got) != 1 || got[0] != want {
		t.Errorf("wildcard subscriber got %v, want [%s]", got, want)
	}
	if got := gbp.messages(); len(got) != 0 {
		t.Errorf("gbpusd subscriber got %v, want nothing", got)
	}
}

func TestEngine_RelaysDecodedFrameVerbatim(t *testing.T) {
	e, reg := newEngine(t, DefaultConfig())
	s := &recordingSender{}
	reg.Add(s, nil)

	frame := `["Q","fx<&>","eurusd", 1690000000000000000,1000000,1.1023,1.1024,1000000,1.1025]`
	ev, err := model.DecodeFrame([]byte(frame))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	if res := e.Broadcast(context.Background(), ev); res.Delivered != 1 {
		t.Fatalf("Delivered = %d, want 1", res.Delivered)
	}
	if got := s.messages(); len(got) != 1 || got[0] != frame {
		t.Errorf("messages = %q, want [%s]", got, frame)
	}
}

func TestEngine_FilterProperty(t *testing.T) {
	e, reg := newEngine(t, Config{BatchSize: 3, Concurrency: 4, SendTimeout: time.Second})

	instruments := []string{"eurusd", "gbpusd", "btcusd", "ethusd"}
	filters := []model.Filter{
		model.NewFilter(),
		model.NewFilter("eurusd"),
		model.NewFilter("EURUSD", "btcusd"),
		model.NewFilter("ethusd"),
		model.NewFilter("xauusd"),
	}

	senders := make([]*recordingSender, len(filters))
	for i, f := range filters {
		senders[i] = &recordingSender{}
		reg.Add(senders[i], f)
	}

	for _, inst := range instruments {
		e.Broadcast(context.Background(), model.NewQuote("fx", inst, time.Now(), model.Quote{}))
	}

	for i, f := range filters {
		want := 0
		for _, inst := range instruments {
			if f.All() || f.Matches(inst) {
				want++
			}
		}
		if got := len(senders[i].messages()); got != want {
			t.Errorf("filter %v received %d events, want %d", f, got, want)
		}
	}
}

func TestEngine_IgnoresControlEvents(t *testing.T) {
	e, reg := newEngine(t, DefaultConfig())
	s := &recordingSender{}
	reg.Add(s, nil)

	for _, frame := range []string{`["H"]`, `["I","hello"]`, `["E","bad ticker"]`} {
		ev, err := model.DecodeFrame([]byte(frame))
		if err != nil {
			t.Fatalf("DecodeFrame(%s) failed: %v", frame, err)
		}
		res := e.Broadcast(context.Background(), ev)
		if res.Matched != 0 || res.Delivered != 0 {
			t.Errorf("%s: Result = %+v, want zero", frame, res)
		}
	}

	if got := len(s.messages()); got != 0 {
		t.Errorf("subscriber received %d control events, want 0", got)
	}
	if got := e.Stats().Ignored; got != 3 {
		t.Errorf("Stats().Ignored = %d, want 3", got)
	}
}

func TestEngine_InFlightNeverExceedsConcurrency(t *testing.T) {
	const concurrency = 5

	for _, n := range []int{1, 7, 40, 120} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			e, reg := newEngine(t, Config{BatchSize: 3, Concurrency: concurrency, SendTimeout: time.Second})

			gauge := &concurrencyGauge{}
			for i := 0; i < n; i++ {
				reg.Add(&slowSender{delay: 5 * time.Millisecond, gauge: gauge}, nil)
			}

			res := e.Broadcast(context.Background(), eurusdQuote())

			if res.Delivered != n {
				t.Errorf("Delivered = %d, want %d", res.Delivered, n)
			}
			if got := gauge.max.Load(); got > concurrency {
				t.Errorf("max concurrent sends = %d, want <= %d", got, concurrency)
			}
			if got := e.Stats().InFlightPeak; got > concurrency {
				t.Errorf("InFlightPeak = %d, want <= %d", got, concurrency)
			}
		})
	}
}

func TestEngine_TimeoutPrunesOnlyStuckSubscriber(t *testing.T) {
	e, reg := newEngine(t, Config{BatchSize: 2, Concurrency: 10, SendTimeout: 50 * time.Millisecond})

	healthy := make([]*recordingSender, 5)
	for i := range healthy {
		healthy[i] = &recordingSender{}
		reg.Add(healthy[i], nil)
	}
	stuckID := reg.Add(stuckSender{}, nil)

	start := time.Now()
	res := e.Broadcast(context.Background(), eurusdQuote())
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Errorf("Broadcast took %v, want bounded by send timeout", elapsed)
	}
	if res.Delivered != 5 {
		t.Errorf("Delivered = %d, want 5", res.Delivered)
	}
	if len(res.Failed) != 1 {
		t.Fatalf("len(Failed) = %d, want 1", len(res.Failed))
	}
	f := res.Failed[0]
	if f.SubscriberID != stuckID || f.Reason != FailureTimeout {
		t.Errorf("Failed[0] = %+v, want %s/timeout", f, stuckID)
	}
	if !errors.Is(&f, context.DeadlineExceeded) {
		t.Errorf("failure error = %v, want deadline exceeded", f.Err)
	}

	waitPrunes(t, e)

	if _, ok := reg.Get(stuckID); ok {
		t.Error("stuck subscriber still registered after prune")
	}
	if got := reg.Count(); got != 5 {
		t.Errorf("Count() = %d, want 5", got)
	}
	for i, s := range healthy {
		if len(s.messages()) != 1 {
			t.Errorf("healthy subscriber %d got %d messages, want 1", i, len(s.messages()))
		}
	}
	if got := e.Stats().Timeouts; got != 1 {
		t.Errorf("Stats().Timeouts = %d, want 1", got)
	}
}

func TestEngine_ThousandSubscribersOneDead(t *testing.T) {
	e, reg := newEngine(t, DefaultConfig())

	var live []*recordingSender
	var deadID string
	for i := 0; i < 1000; i++ {
		if i == 500 {
			deadID = reg.Add(brokenSender{}, nil)
			continue
		}
		s := &recordingSender{}
		live = append(live, s)
		reg.Add(s, nil)
	}

	res := e.Broadcast(context.Background(), eurusdQuote())

	if res.Matched != 1000 {
		t.Errorf("Matched = %d, want 1000", res.Matched)
	}
	if res.Delivered != 999 {
		t.Errorf("Delivered = %d, want 999", res.Delivered)
	}
	if len(res.Failed) != 1 || res.Failed[0].SubscriberID != deadID || res.Failed[0].Reason != FailureError {
		t.Fatalf("Failed = %+v, want one error failure for %s", res.Failed, deadID)
	}

	waitPrunes(t, e)

	if got := reg.Count(); got != 999 {
		t.Errorf("Count() = %d, want 999", got)
	}
	for i, s := range live {
		if len(s.messages()) != 1 {
			t.Fatalf("live subscriber %d got %d messages, want 1", i, len(s.messages()))
		}
	}
}

func TestEngine_StaleSnapshotSkipsClosedSubscribers(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	s := &recordingSender{}
	id := reg.Add(s, nil)

	stale := reg.Snapshot()
	reg.Remove(id)

	e := New(DefaultConfig(), staticSource(stale), reg, nil)
	res := e.Broadcast(context.Background(), eurusdQuote())

	if res.Matched != 0 || res.Delivered != 0 {
		t.Errorf("Result = matched %d delivered %d, want 0/0", res.Matched, res.Delivered)
	}
	if got := len(s.messages()); got != 0 {
		t.Errorf("closed subscriber received %d messages", got)
	}
}

type staticSource []*registry.Subscriber

func (s staticSource) Snapshot() []*registry.Subscriber {
	return append([]*registry.Subscriber(nil), s...)
}

func TestEngine_CanceledContextSkipsWaitingSendsOnly(t *testing.T) {
	e, reg := newEngine(t, Config{BatchSize: 3, Concurrency: 1, SendTimeout: time.Second})
	gauge := &concurrencyGauge{}
	for i := 0; i < 3; i++ {
		reg.Add(&slowSender{delay: 300 * time.Millisecond, gauge: gauge}, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan Result, 1)
	go func() { resCh <- e.Broadcast(ctx, eurusdQuote()) }()

	waitInFlight(t, e, 1)
	cancel()

	var res Result
	select {
	case res = <-resCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast did not return")
	}
	waitPrunes(t, e)

	if res.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1 (started send must finish)", res.Delivered)
	}
	if res.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", res.Skipped)
	}
	if len(res.Failed) != 0 {
		t.Errorf("len(Failed) = %d, want 0", len(res.Failed))
	}
	if got := reg.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}

func TestEngine_RunFinishesInFlightSendOnCancel(t *testing.T) {
	e, reg := newEngine(t, Config{SendTimeout: 5 * time.Second})
	reg.Add(&slowSender{delay: 300 * time.Millisecond, gauge: &concurrencyGauge{}}, nil)

	events := make(chan model.Event, 1)
	events <- eurusdQuote()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, "fx", events)
		close(done)
	}()

	waitInFlight(t, e, 1)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	stats := e.Stats()
	if stats.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", stats.Delivered)
	}
	if stats.Failed != 0 {
		t.Errorf("Failed = %d, want 0", stats.Failed)
	}
}

func TestEngine_RunInFlightSendStillTimesOutOnCancel(t *testing.T) {
	e, reg := newEngine(t, Config{SendTimeout: 100 * time.Millisecond})
	reg.Add(stuckSender{}, nil)

	events := make(chan model.Event, 1)
	events <- eurusdQuote()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, "fx", events)
		close(done)
	}()

	waitInFlight(t, e, 1)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	waitPrunes(t, e)

	if got := e.Stats().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}
	if got := reg.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestEngine_RunPreservesOrder(t *testing.T) {
	e, reg := newEngine(t, DefaultConfig())
	s := &recordingSender{}
	reg.Add(s, model.NewFilter("eurusd"))

	events := make(chan model.Event, 10)
	var want []string
	for i := 0; i < 10; i++ {
		ev := model.NewQuote("fx", "eurusd", time.Unix(0, int64(i)), model.Quote{
			BidPrice: decimal.NewFromInt(int64(i)),
		})
		events <- ev
		want = append(want, fmt.Sprintf(`["Q","fx","eurusd",%d,0,%d,0,0,0]`, i, i))
	}
	close(events)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), "fx", events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after channel closed")
	}

	got := s.messages()
	if len(got) != len(want) {
		t.Fatalf("received %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEngine_RunStopsOnContextCancel(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig())
	events := make(chan model.Event)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, "fx", events)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := e.Stats().Events; got != 0 {
		t.Errorf("Events = %d, want 0", got)
	}
}

func TestEngine_DefaultsApplied(t *testing.T) {
	e := New(Config{}, staticSource(nil), nil, nil)
	if e.cfg != DefaultConfig() {
		t.Errorf("cfg = %+v, want %+v", e.cfg, DefaultConfig())
	}
}
