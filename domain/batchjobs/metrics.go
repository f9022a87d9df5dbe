package batchjobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	staleJobsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchjobs_stale_swept_total",
		Help: "Jobs failed by the stale sweeper",
	})

	stuckJobsObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchjobs_stuck_observed_total",
		Help: "Running jobs observed without recent progress",
	})
)
