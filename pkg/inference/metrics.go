package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Invocation outcomes
const (
	outcomeDefined     = "defined"
	outcomeUndefined   = "undefined"
	outcomeConfigError = "config_error"
	outcomeStoreError  = "store_error"
)

var (
	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuzzyinfer_invocations_total",
		Help: "Inference invocations by outcome",
	}, []string{"outcome"})

	workingSetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuzzyinfer_working_sets_total",
		Help: "Working sets materialized",
	})

	invocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fuzzyinfer_invocation_duration_seconds",
		Help:    "Time to run one inference invocation",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	targetsPerInvocation = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fuzzyinfer_targets_per_invocation",
		Help:    "Number of targets estimated by one invocation",
		Buckets: []float64{1, 2, 3, 5, 8, 13},
	})
)
