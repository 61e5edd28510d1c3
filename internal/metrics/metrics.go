package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the engine. A Metrics
// value registers against the given registry so tests can use
// isolated registries.
type Metrics struct {
	EventsIngested prometheus.Counter
	EventsInvalid  prometheus.Counter

	FlowsOpened  prometheus.Counter
	FlowsClosed  prometheus.Counter
	FlowsEvicted prometheus.Counter
	LiveFlows    prometheus.Gauge

	DecisionsTotal *prometheus.CounterVec
	VerdictsTotal  *prometheus.CounterVec
	ActionsTotal   *prometheus.CounterVec
	ModelFailures  prometheus.Counter
	PolicyVersion  prometheus.Gauge
	PendingActions prometheus.Gauge

	AuditRecords prometheus.Counter
	AuditDropped prometheus.Counter
	AuditErrors  prometheus.Counter

	AlertsPublished prometheus.Counter
	AlertErrors     prometheus.Counter

	EvalDuration     prometheus.Histogram
	DetectDuration   prometheus.Histogram
	ResponseDuration prometheus.Histogram
}

// NewMetrics creates all collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_events_ingested_total",
			Help: "Total number of packet events ingested",
		}),
		EventsInvalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_events_invalid_total",
			Help: "Total number of malformed packet events dropped",
		}),
		FlowsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_flows_opened_total",
			Help: "Total number of flows created in the live table",
		}),
		FlowsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_flows_closed_total",
			Help: "Total number of flows closed by the idle sweep",
		}),
		FlowsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_flows_evicted_total",
			Help: "Total number of flows force-evicted at capacity",
		}),
		LiveFlows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_live_flows",
			Help: "Number of flows currently in the live table",
		}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_decisions_total",
			Help: "Total number of policy decisions by verdict",
		}, []string{"verdict"}),
		VerdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_verdicts_total",
			Help: "Total number of threat verdicts by category",
		}, []string{"category"}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_actions_total",
			Help: "Total number of response actions by type and status",
		}, []string{"type", "status"}),
		ModelFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_model_failures_total",
			Help: "Total number of model inference failures degraded to signature-only detection",
		}),
		PolicyVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_policy_snapshot_version",
			Help: "Version of the active policy snapshot",
		}),
		PendingActions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_pending_actions",
			Help: "Number of response actions waiting for execution",
		}),
		AuditRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_audit_records_total",
			Help: "Total number of audit records written",
		}),
		AuditDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_audit_dropped_total",
			Help: "Total number of audit records dropped at overflow",
		}),
		AuditErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_audit_write_errors_total",
			Help: "Total number of audit sink write errors",
		}),
		AlertsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_alerts_published_total",
			Help: "Total number of threat alerts published",
		}),
		AlertErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_alert_errors_total",
			Help: "Total number of alert delivery errors",
		}),
		EvalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowguard_policy_eval_duration_seconds",
			Help:    "Policy evaluation latency",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),
		DetectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowguard_detect_duration_seconds",
			Help:    "Anomaly classification latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
		ResponseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowguard_response_duration_seconds",
			Help:    "Response action execution latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		}),
	}
}
