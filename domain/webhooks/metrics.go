package webhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inboundAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_inbound_accepted_total",
		Help: "Platform webhooks that passed signature verification",
	})
	inboundRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_inbound_rejected_total",
		Help: "Platform webhooks rejected for bad or missing signatures",
	})
	deliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_deliveries_total",
		Help: "Successful outbound webhook deliveries",
	})
	deliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_delivery_failures_total",
		Help: "Failed outbound webhook delivery attempts",
	})
)
