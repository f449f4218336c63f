package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xpilot",
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Scheduled job executions by outcome.",
	}, []string{"outcome"})

	jobDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xpilot",
		Subsystem: "scheduler",
		Name:      "jobs_dropped_total",
		Help:      "Jobs dropped because the queue was full or stopped.",
	})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "xpilot",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Scheduled job wall time.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)
