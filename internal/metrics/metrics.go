package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"calltrack/internal/calls"
)

const namespace = "calltrack"

// Metrics holds the tracker's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
//
// It implements session.Observer so registry events feed the gauges directly.
type Metrics struct {
	reg *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsOpened   prometheus.Counter
	sessionsEvicted  prometheus.Counter
	turns            *prometheus.CounterVec
	finalize         *prometheus.CounterVec
	finalizeDuration prometheus.Histogram
	retryQueue       prometheus.Gauge
	streams          prometheus.Gauge
	writerDrops      *prometheus.CounterVec
	rateLimited      prometheus.Counter
	webhooks         *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Sessions currently ringing or active.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_opened_total",
			Help: "Sessions opened.",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_evicted_total",
			Help: "Ended sessions evicted from memory.",
		}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transcript_turns_total",
			Help: "Transcript turns accepted, by role.",
		}, []string{"role"}),
		finalize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "finalize_total",
			Help: "Finalize calls, by outcome.",
		}, []string{"outcome"}),
		finalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "finalize_duration_seconds",
			Help:    "Time spent producing a call log record.",
			Buckets: prometheus.DefBuckets,
		}),
		retryQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "finalize_retry_queue",
			Help: "Call log records waiting for a storage retry.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transcript_streams",
			Help: "Open live transcript streams.",
		}),
		writerDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_writer_dropped_total",
			Help: "Events dropped because the store writer buffer was full.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Session opens rejected by the per-phone limit.",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_deliveries_total",
			Help: "call_completed webhook deliveries, by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive, m.sessionsOpened, m.sessionsEvicted, m.turns,
		m.finalize, m.finalizeDuration, m.retryQueue, m.streams,
		m.writerDrops, m.rateLimited, m.webhooks,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// SessionChanged tracks the active gauge from lifecycle transitions.
func (m *Metrics) SessionChanged(s calls.Session) {
	if m == nil {
		return
	}
	switch s.Status {
	case calls.StatusRinging:
		m.sessionsOpened.Inc()
		m.sessionsActive.Inc()
	case calls.StatusEnded:
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) TurnAppended(t calls.Turn) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(string(t.Role)).Inc()
}

func (m *Metrics) SessionEvicted(calls.Session) {
	if m == nil {
		return
	}
	m.sessionsEvicted.Inc()
}

func (m *Metrics) Finalized(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.finalize.WithLabelValues(outcome).Inc()
	m.finalizeDuration.Observe(seconds)
}

func (m *Metrics) SetRetryQueue(n int) {
	if m == nil {
		return
	}
	m.retryQueue.Set(float64(n))
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streams.Dec()
}

func (m *Metrics) WriterDropped(kind string) {
	if m == nil {
		return
	}
	m.writerDrops.WithLabelValues(kind).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) WebhookDelivered(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.webhooks.WithLabelValues(result).Inc()
}
