package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tickrelay"

// Metrics holds the relay's collectors.
type Metrics struct {
	reg *prometheus.Registry

	framesTotal       *prometheus.CounterVec
	decodeErrorsTotal *prometheus.CounterVec
	reconnectsTotal   *prometheus.CounterVec
	feedConnected     *prometheus.GaugeVec

	subscriberRemovals *prometheus.CounterVec

	broadcastDuration prometheus.Histogram
	sendsDelivered    prometheus.Counter
	sendsFailed       *prometheus.CounterVec

	journalRows   prometheus.Counter
	journalErrors prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry, which keeps tests isolated from the global default.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		reg: reg,
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_frames_total",
			Help:      "Upstream frames received by feed and kind.",
		}, []string{"feed", "kind"}),
		decodeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_decode_errors_total",
			Help:      "Upstream frames dropped because they failed to decode.",
		}, []string{"feed"}),
		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Upstream reconnect attempts by feed.",
		}, []string{"feed"}),
		feedConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_connected",
			Help:      "1 when the feed is connected, 0 otherwise.",
		}, []string{"feed"}),
		subscriberRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_removals_total",
			Help:      "Subscribers removed by reason.",
		}, []string{"reason"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan one event out to every matching subscriber.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		sendsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_delivered_total",
			Help:      "Messages delivered to subscribers.",
		}),
		sendsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_failed_total",
			Help:      "Failed subscriber sends by reason.",
		}, []string{"reason"}),
		journalRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_rows_total",
			Help:      "Session journal rows written.",
		}),
		journalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_errors_total",
			Help:      "Session journal batch failures.",
		}),
	}

	reg.MustRegister(
		m.framesTotal,
		m.decodeErrorsTotal,
		m.reconnectsTotal,
		m.feedConnected,
		m.subscriberRemovals,
		m.broadcastDuration,
		m.sendsDelivered,
		m.sendsFailed,
		m.journalRows,
		m.journalErrors,
	)
	return m
}

// Handler serves the registered collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RegisterSubscriberGauge exposes the live subscriber count through fn.
func RegisterSubscriberGauge(reg prometheus.Registerer, fn func() int) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers_open",
		Help:      "Open downstream subscribers.",
	}, func() float64 { return float64(fn()) }))
}

// RegisterSendGauges exposes the broadcast engine's in-flight send count and
// its high-water mark.
func RegisterSendGauges(reg prometheus.Registerer, inFlight, peak func() int64) error {
	if err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sends_in_flight",
		Help:      "Subscriber sends currently holding a concurrency slot.",
	}, func() float64 { return float64(inFlight()) })); err != nil {
		return fmt.Errorf("register sends_in_flight: %w", err)
	}
	if err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sends_in_flight_peak",
		Help:      "Highest concurrent subscriber sends observed.",
	}, func() float64 { return float64(peak()) })); err != nil {
		return fmt.Errorf("register sends_in_flight_peak: %w", err)
	}
	return nil
}

// Registerer returns the registry backing m, for callers that add their own
// collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.reg
}

func (m *Metrics) FrameReceived(feed, kind string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(feed, kind).Inc()
}

func (m *Metrics) DecodeError(feed string) {
	if m == nil {
		return
	}
	m.decodeErrorsTotal.WithLabelValues(feed).Inc()
}

func (m *Metrics) Reconnect(feed string) {
	if m == nil {
		return
	}
	m.reconnectsTotal.WithLabelValues(feed).Inc()
}

func (m *Metrics) SetConnected(feed string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.feedConnected.WithLabelValues(feed).Set(v)
}

func (m *Metrics) SubscriberRemoved(reason string) {
	if m == nil {
		return
	}
	m.subscriberRemovals.WithLabelValues(reason).Inc()
}

// BroadcastObserved records one completed fan-out.
func (m *Metrics) BroadcastObserved(d time.Duration, delivered int) {
	if m == nil {
		return
	}
	m.broadcastDuration.Observe(d.Seconds())
	m.sendsDelivered.Add(float64(delivered))
}

func (m *Metrics) SendFailed(reason string) {
	if m == nil {
		return
	}
	m.sendsFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) JournalWritten(rows int) {
	if m == nil {
		return
	}
	m.journalRows.Add(float64(rows))
}

func (m *Metrics) JournalError() {
	if m == nil {
		return
	}
	m.journalErrors.Inc()
}
