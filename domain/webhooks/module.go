package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"go.uber.org/fx"

	"github.com/opennotes-dev/opennotes-server/internal/bus"
)

// Module provides the webhooks domain
var Module = fx.Module("webhooks",
	fx.Provide(
		NewVerifier,
		NewRepository,
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RegisterWorkflows),
	fx.Invoke(runDispatcher),
)

// runDispatcher subscribes the outbound dispatcher to the events registered
// endpoints can receive. Dispatch enqueues dedup-keyed workflows, so bus
// redelivery is safe.
func runDispatcher(lc fx.Lifecycle, eventBus *bus.Bus, svc *Service) {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	consumerID := "webhooks-" + hex.EncodeToString(buf)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return eventBus.Subscribe(context.WithoutCancel(ctx), bus.SubscriberConfig{
				Group:         "webhook-dispatch",
				Consumer:      consumerID,
				Subjects:      dispatchedEvents,
				Handler:       svc.Dispatch,
				SchemaVersion: 1,
			})
		},
	})
}
