package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	TurnOutcomes     *prometheus.CounterVec
	Interrupts       *prometheus.CounterVec
	WatcherRestarts  *prometheus.CounterVec
	AutoRestarts     prometheus.Counter
	SubmitErrors     *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	SubmitLatency    prometheus.Histogram
	RecordingSeconds prometheus.Histogram

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the instruments on reg. Tests pass a fresh
// registry so repeated construction does not collide.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_state_transitions_total",
			Help:      "Turn controller transitions by source and target state.",
		}, []string{"from", "to"}),
		TurnOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_outcomes_total",
			Help:      "Completed turns by outcome.",
		}, []string{"outcome"}),
		Interrupts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_interrupts_total",
			Help:      "Playback interruptions by source.",
		}, []string{"source"}),
		WatcherRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupt_watcher_restarts_total",
			Help:      "Interrupt watcher restarts by reason.",
		}, []string{"reason"}),
		AutoRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_restarts_total",
			Help:      "Recordings started automatically after a reply finished.",
		}),
		SubmitErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_errors_total",
			Help:      "Voice submission failures by kind.",
		}, []string{"kind"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Status websocket messages by direction and type.",
		}, []string{"direction", "type"}),
		SubmitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_latency_ms",
			Help:      "Latency from recording stop to server response in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		RecordingSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_duration_seconds",
			Help:      "Length of captured recording turns.",
			Buckets:   []float64{0.5, 1, 2, 3, 4, 6, 8},
		}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveSubmitLatency(d time.Duration) {
	m.SubmitLatency.Observe(float64(d.Milliseconds()))
	m.latency.observe(StageStopToResponse, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.latency.observe(stage, float64(d.Microseconds())/1000)
}

// ObserveOutcome counts a finished turn in Prometheus and the rolling window.
func (m *Metrics) ObserveOutcome(outcome string) {
	m.TurnOutcomes.WithLabelValues(outcome).Inc()
	m.latency.countOutcome(outcome)
}

func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.latency.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
