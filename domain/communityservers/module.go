package communityservers

import (
	"go.uber.org/fx"
)

// Module provides the community servers domain
var Module = fx.Module("communityservers",
	fx.Provide(NewRepository),
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
