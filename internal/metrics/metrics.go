// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spacehook"

// Outcome labels for sequences.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector groups the daemon's metrics. A nil *Collector records nothing.
type Collector struct {
	sequences        *prometheus.CounterVec
	sequenceDuration *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	deliveries       *prometheus.CounterVec
	processStarts    prometheus.Counter
	processExits     *prometheus.CounterVec
	managedPID       prometheus.Gauge
}

// New builds a Collector and registers it with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequences_total",
			Help:      "Lifecycle sequences executed, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		sequenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sequence_duration_seconds",
			Help:      "Wall time of lifecycle sequences.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"operation"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequence_queue_depth",
			Help:      "Sequences waiting behind the one in flight.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries received, by event name and HTTP status.",
		}, []string{"event", "status"}),
		processStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_starts_total",
			Help:      "Managed process starts.",
		}),
		processExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Managed process exits, by whether the daemon requested them.",
		}, []string{"requested"}),
		managedPID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "managed_process_pid",
			Help:      "PID of the live managed process, 0 when none.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.sequences,
			c.sequenceDuration,
			c.queueDepth,
			c.deliveries,
			c.processStarts,
			c.processExits,
			c.managedPID,
		)
	}
	return c
}

// ObserveSequence records one finished sequence.
func (c *Collector) ObserveSequence(operation string, err error, elapsed time.Duration) {
	if c == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	c.sequences.WithLabelValues(operation, outcome).Inc()
	c.sequenceDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// SetQueueDepth records how many sequences are waiting.
func (c *Collector) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// ObserveDelivery records one webhook delivery and the status it was answered with.
func (c *Collector) ObserveDelivery(event string, status int) {
	if c == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	c.deliveries.WithLabelValues(event, statusLabel(status)).Inc()
}

// ProcessStarted records a managed process start.
func (c *Collector) ProcessStarted(pid int) {
	if c == nil {
		return
	}
	c.processStarts.Inc()
	c.managedPID.Set(float64(pid))
}

// ProcessExited records a managed process exit.
func (c *Collector) ProcessExited(requested bool) {
	if c == nil {
		return
	}
	label := "false"
	if requested {
		label = "true"
	}
	c.processExits.WithLabelValues(label).Inc()
	c.managedPID.Set(0)
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
