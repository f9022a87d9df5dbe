package notes

import (
	"go.uber.org/fx"
)

// Module provides the notes domain
var Module = fx.Module("notes",
	fx.Provide(NewRepository),
	fx.Provide(NewService),
	fx.Provide(AsDataProvider),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
