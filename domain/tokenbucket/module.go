package tokenbucket

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the token pool domain
var Module = fx.Module("tokenbucket",
	fx.Provide(NewRepository),
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(seedPools),
)

func seedPools(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.EnsurePools(ctx)
		},
	})
}
