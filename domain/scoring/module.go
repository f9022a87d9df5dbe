package scoring

import (
	"go.uber.org/fx"
)

// Module provides the scoring domain
var Module = fx.Module("scoring",
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterWorkflows),
	fx.Invoke(RegisterRoutes),
)
