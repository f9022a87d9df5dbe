package tokenbucket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var holdsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tokenbucket_holds_reclaimed_total",
	Help: "Expired holds closed out by the reclaimer",
})
