package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_total",
		Help: "Audit entries submitted.",
	})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_dropped_total",
		Help: "Audit entries dropped on queue overflow.",
	})
	persistTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_persist_timeouts_total",
		Help: "Audit persist attempts that hit the timeout.",
	})
	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_persist_failures_total",
		Help: "Audit persist attempts that failed.",
	})
)
