package factchecks

import (
	"go.uber.org/fx"
)

// Module provides the fact-check domain
var Module = fx.Module("factchecks",
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
	fx.Invoke(RegisterWorkflows),
)
