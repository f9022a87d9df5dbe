package batchjobs

import (
	"go.uber.org/fx"
)

// Module provides the batch jobs domain
var Module = fx.Module("batchjobs",
	fx.Provide(NewRepository),
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
