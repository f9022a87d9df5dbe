package health

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/opennotes-dev/opennotes-server/pkg/syshealth"
)

// Module provides the health domain
var Module = fx.Module("health",
	fx.Provide(
		NewHandler,
		NewSystemHandler,
		newMonitor,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(runMonitor),
)

func newMonitor(db *bun.DB, log *slog.Logger) syshealth.Monitor {
	return syshealth.NewMonitor(nil, db, log)
}

func runMonitor(lc fx.Lifecycle, monitor syshealth.Monitor) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return monitor.Start() },
		OnStop:  func(context.Context) error { return monitor.Stop() },
	})
}
