package chunks

import (
	"go.uber.org/fx"
)

// Module provides chunks dependencies via fx. Sources come from the
// "chunksources" group: fact checks and previously-seen messages each
// contribute one.
var Module = fx.Module("chunks",
	fx.Provide(
		NewRepository,
		fx.Annotate(NewService, fx.ParamTags("", "", "", `group:"chunksources"`, "")),
		NewEmbeddingWorker,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RegisterWorkflows),
	fx.Invoke(runWorker),
)
