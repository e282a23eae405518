// Package metrics exposes the Prometheus instrumentation for the detection
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowsnest_events_total",
			Help: "Total number of telemetry events received",
		},
		[]string{"source", "status"},
	)

	ThreatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowsnest_threats_total",
			Help: "Total number of positive threat decisions",
		},
		[]string{"threat_type", "severity"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crowsnest_pipeline_duration_seconds",
			Help:    "End-to-end duration of the detection pipeline per event",
			Buckets: prometheus.DefBuckets,
		},
	)

	RuleEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crowsnest_rule_evaluation_duration_seconds",
			Help:    "Duration of rule set evaluation per event",
			Buckets: prometheus.DefBuckets,
		},
	)

	MLRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crowsnest_ml_request_duration_seconds",
			Help:    "Duration of ML scoring collaborator calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	MLFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crowsnest_ml_failures_total",
			Help: "Total number of ML scoring calls that degraded to the neutral score",
		},
	)

	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowsnest_storage_errors_total",
			Help: "Total number of persistence collaborator failures",
		},
		[]string{"store"},
	)

	ProcessingErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crowsnest_processing_errors_total",
			Help: "Total number of events that terminated in a PROCESSING_ERROR decision",
		},
	)
)
