package audit

import (
	"context"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

// Module provides the audit domain
var Module = fx.Module("audit",
	fx.Provide(
		NewRepository,
		NewRecorder,
	),
	fx.Invoke(registerMiddleware),
	fx.Invoke(runRecorder),
)

func registerMiddleware(e *echo.Echo, recorder *Recorder) {
	e.Use(SpanEnrichment())
	e.Use(Middleware(recorder))
}

func runRecorder(lc fx.Lifecycle, recorder *Recorder) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			recorder.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			recorder.Stop()
			return nil
		},
	})
}
