// Package metrics records workflow counters and latencies for Prometheus.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "govtech"

type Recorder struct {
	commands           *prometheus.CounterVec
	commandLatency     *prometheus.HistogramVec
	eventsAppended     *prometheus.CounterVec
	concurrencyRetries *prometheus.CounterVec
	escalations        *prometheus.CounterVec
	sweeps             *prometheus.CounterVec
	projectionPosition prometheus.Gauge
	webhookDeliveries  *prometheus.CounterVec
}

// New registers the workflow collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Workflow commands by command and result.",
		}, []string{"command", "result"}),
		commandLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time to apply a workflow command, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		eventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events appended to the protocol log by kind.",
		}, []string{"kind"}),
		concurrencyRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_retries_total",
			Help:      "Optimistic concurrency conflicts that caused a retry.",
		}, []string{"command"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalated steps by service code.",
		}, []string{"service_code"}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_sweeps_total",
			Help:      "Escalation sweep runs by outcome.",
		}, []string{"outcome"}),
		projectionPosition: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "projection_position",
			Help:      "Last event log position applied to the read model.",
		}),
		webhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by result.",
		}, []string{"result"}),
	}
}

func (r *Recorder) Command(command, result string, d time.Duration) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(command, result).Inc()
	r.commandLatency.WithLabelValues(command).Observe(d.Seconds())
}

func (r *Recorder) EventAppended(kind string) {
	if r == nil {
		return
	}
	r.eventsAppended.WithLabelValues(kind).Inc()
}

func (r *Recorder) ConcurrencyRetry(command string) {
	if r == nil {
		return
	}
	r.concurrencyRetries.WithLabelValues(command).Inc()
}

func (r *Recorder) Escalated(serviceCode string) {
	if r == nil {
		return
	}
	r.escalations.WithLabelValues(serviceCode).Inc()
}

// Sweep records a sweep run; outcome is ran, skipped or failed.
func (r *Recorder) Sweep(outcome string) {
	if r == nil {
		return
	}
	r.sweeps.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ProjectionPosition(pos int64) {
	if r == nil {
		return
	}
	r.projectionPosition.Set(float64(pos))
}

func (r *Recorder) WebhookDelivery(result string) {
	if r == nil {
		return
	}
	r.webhookDeliveries.WithLabelValues(result).Inc()
}
