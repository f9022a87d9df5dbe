package circuit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Breaker state: 0 closed, 1 open, 2 half-open",
	}, []string{"breaker"})

	trips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Times a breaker transitioned to open",
	}, []string{"breaker"})

	shortCircuits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_short_circuits_total",
		Help: "Calls rejected without exercising the dependency",
	}, []string{"breaker"})
)
