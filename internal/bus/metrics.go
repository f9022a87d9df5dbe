package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_published_total",
		Help: "Events added to a stream",
	}, []string{"type"})

	consumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_consumed_total",
		Help: "Events delivered to a handler",
	}, []string{"type", "group"})

	acked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_acked_total",
		Help: "Events acknowledged after successful handling",
	}, []string{"type", "group"})

	retried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_retried_total",
		Help: "Events reclaimed for redelivery",
	}, []string{"type", "group"})

	deadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_dead_lettered_total",
		Help: "Events moved to the dead-letter stream",
	}, []string{"type", "group"})
)
