// Package metrics exposes wearlink counters and gauges to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wearlink/wearlink-go/pkg/connection"
	"github.com/wearlink/wearlink-go/pkg/proxy"
)

const namespace = "wearlink"

var clientStates = []connection.ClientState{
	connection.ClientIdle,
	connection.ClientConnecting,
	connection.ClientConnected,
	connection.ClientDisconnecting,
}

// Recorder records proxy, radio and HFC metrics in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	clientState    *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	started        prometheus.Gauge
	connectSteps   *prometheus.CounterVec
	connectSeconds *prometheus.HistogramVec
	retries        prometheus.Counter
	retryDelay     prometheus.Gauge
	notifications  *prometheus.CounterVec
	score          prometheus.Gauge
	radioDecisions *prometheus.CounterVec
	hfcAttempts    *prometheus.CounterVec
}

// NewRecorder creates a recorder with a fresh registry that also carries
// the Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		clientState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "client_state",
			Help:      "Current proxy client state (1 for the active state)",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "state_transitions_total",
			Help:      "Total number of proxy client state transitions",
		}, []string{"from", "to"}),
		started: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "started",
			Help:      "Whether the proxy shard is started",
		}),
		connectSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "connect_steps_total",
			Help:      "Total number of connect steps by stage and result",
		}, []string{"stage", "result"}),
		connectSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "connect_step_duration_seconds",
			Help:      "Duration of blocking connect steps in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "retries_total",
			Help:      "Total number of scheduled reconnect attempts",
		}),
		retryDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "retry_delay_units",
			Help:      "Backoff delay of the most recently scheduled retry",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "notifications_total",
			Help:      "Total number of connection change notifications",
		}, []string{"connected", "internet"}),
		score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "network_score",
			Help:      "Network score announced with the last notification",
		}),
		radioDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "radio",
			Name:      "decisions_total",
			Help:      "Total number of radio power decisions by reason",
		}, []string{"reason"}),
		hfcAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hfc",
			Name:      "attempts_total",
			Help:      "Total number of hands-free connect attempts by result",
		}, []string{"result"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.clientState,
		r.transitions,
		r.started,
		r.connectSteps,
		r.connectSeconds,
		r.retries,
		r.retryDelay,
		r.notifications,
		r.score,
		r.radioDecisions,
		r.hfcAttempts,
	)
	for _, s := range clientStates {
		r.clientState.WithLabelValues(s.String()).Set(0)
	}
	r.clientState.WithLabelValues(connection.ClientIdle.String()).Set(1)
	return r
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ClientStateChanged implements proxy.Recorder.
func (r *Recorder) ClientStateChanged(from, to connection.ClientState) {
	r.clientState.WithLabelValues(from.String()).Set(0)
	r.clientState.WithLabelValues(to.String()).Set(1)
	r.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// StartedChanged implements proxy.Recorder.
func (r *Recorder) StartedChanged(started bool) {
	r.started.Set(boolGauge(started))
}

// ConnectStep implements proxy.Recorder.
func (r *Recorder) ConnectStep(stage, result string, took time.Duration) {
	r.connectSteps.WithLabelValues(stage, result).Inc()
	r.connectSeconds.WithLabelValues(stage).Observe(took.Seconds())
}

// RetryScheduled implements proxy.Recorder.
func (r *Recorder) RetryScheduled(delay int) {
	r.retries.Inc()
	r.retryDelay.Set(float64(delay))
}

// ConnectionNotified implements proxy.Recorder.
func (r *Recorder) ConnectionNotified(connected, phoneNoInternet bool, score int) {
	r.notifications.WithLabelValues(strconv.FormatBool(connected), strconv.FormatBool(!phoneNoInternet)).Inc()
	r.score.Set(float64(score))
}

// RadioDecision counts a radio power decision.
func (r *Recorder) RadioDecision(reason string) {
	r.radioDecisions.WithLabelValues(reason).Inc()
}

// HFCAttempt counts a hands-free connect attempt.
func (r *Recorder) HFCAttempt(connected bool) {
	result := "failed"
	if connected {
		result = "connected"
	}
	r.hfcAttempts.WithLabelValues(result).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var _ proxy.Recorder = (*Recorder)(nil)
