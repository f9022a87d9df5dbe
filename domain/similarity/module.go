package similarity

import (
	"go.uber.org/fx"
)

// Module provides the similarity domain
var Module = fx.Module("similarity",
	fx.Provide(
		NewRepository,
		NewService,
		NewHandler,
		fx.Annotate(
			NewChunkSource,
			fx.ResultTags(`group:"chunksources"`),
		),
	),
	fx.Invoke(RegisterRoutes),
)
