package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmittedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_gateway",
			Name:      "jobs_submitted_total",
			Help:      "Total SMS jobs accepted into the dispatch queue.",
		},
		[]string{"wants_reply"},
	)

	jobTransitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_gateway",
			Name:      "job_transitions_total",
			Help:      "Total committed job state transitions.",
		},
		[]string{"to_status"},
	)

	deviceOperationDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sms_gateway",
			Name:      "device_operation_duration_seconds",
			Help:      "Duration of modem operations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "result"}, // operation: send, list_inbox, delete
	)

	deviceReconnectsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_gateway",
			Name:      "device_reconnects_total",
			Help:      "Total attempts to open a device session.",
		},
		[]string{"result"},
	)

	repliesCorrelatedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sms_gateway",
			Name:      "replies_correlated_total",
			Help:      "Total inbox messages bound to an awaiting job.",
		},
	)

	queueDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sms_gateway",
			Name:      "dispatch_queue_depth",
			Help:      "Number of jobs waiting in the dispatch queue.",
		},
	)

	deviceAvailableGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sms_gateway",
			Name:      "device_available",
			Help:      "1 when a device session is open, 0 otherwise.",
		},
	)
)
