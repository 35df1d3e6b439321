package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	OutboundMessages  *prometheus.CounterVec
	Fragments         *prometheus.CounterVec
	PatchOutcomes     *prometheus.CounterVec
	MessagesFinalized *prometheus.CounterVec
	CallersExtracted  *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	FirstDeltaLatency prometheus.Histogram
	latency           *latencyWindow
}

// NewMetrics registers the instruments on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the instruments on reg. Tests use a fresh
// registry per call to avoid duplicate registration panics.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active stream sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound session messages by type and delivery result.",
		}, []string{"type", "result"}),
		Fragments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Fragments accepted by the assembler by kind.",
		}, []string{"kind"}),
		PatchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patch_outcomes_total",
			Help:      "Patch decisions by outcome.",
		}, []string{"outcome"}),
		MessagesFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_finalized_total",
			Help:      "Finalized messages by completeness.",
		}, []string{"complete"}),
		CallersExtracted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callers_extracted_total",
			Help:      "Callers extracted from functional tokens by token name.",
		}, []string{"token"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream producer errors by producer and code.",
		}, []string{"producer", "code"}),
		FirstDeltaLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency from turn start to first live delta in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveFirstDeltaLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstDeltaLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) IncSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) ObserveOutboundMessage(typ, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) ObserveFragment(kind string) {
	if m == nil {
		return
	}
	m.Fragments.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObservePatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.PatchOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveMessageFinalized(complete bool) {
	if m == nil {
		return
	}
	m.MessagesFinalized.WithLabelValues(strconv.FormatBool(complete)).Inc()
}

func (m *Metrics) ObserveCaller(token string) {
	if m == nil {
		return
	}
	m.CallersExtracted.WithLabelValues(token).Inc()
}

func (m *Metrics) ObserveUpstreamError(producer, code string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(producer, code).Inc()
}

// ObserveStage records one latency sample for stage in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.count(m.latency.indicators, name)
}

// ObserveTurnEnd counts a finished turn by its turn_end reason.
func (m *Metrics) ObserveTurnEnd(reason string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues("turn_end_" + reason).Inc()
	if m.latency != nil {
		m.latency.count(m.latency.endReasons, reason)
	}
}

func (m *Metrics) Latency() LatencySnapshot {
	if m == nil || m.latency == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageLatency{}}
	}
	return m.latency.snapshot()
}

func (m *Metrics) ResetLatency() {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
