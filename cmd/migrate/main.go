// Command migrate runs database schema migrations.
//
// Usage:
//
//	migrate up              apply all pending migrations
//	migrate up-to <n>       apply migrations up to version n
//	migrate down            roll back the last migration
//	migrate status          print migration status
//	migrate version         print the current schema version
//	migrate mark <n>        mark version n applied without running it
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/internal/migrate"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	command := os.Args[1]

	cfg, err := config.NewConfig(slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logger: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN())))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, zlog)
	ctx := context.Background()

	switch command {
	case "up":
		err = migrator.Up(ctx)
	case "up-to":
		version, perr := parseVersion()
		if perr != nil {
			err = perr
			break
		}
		err = migrator.UpTo(ctx, version)
	case "down":
		err = migrator.Down(ctx)
	case "status":
		err = migrator.Status(ctx)
	case "version":
		var version int64
		version, err = migrator.Version(ctx)
		if err == nil {
			fmt.Printf("current version: %d\n", version)
		}
	case "mark":
		version, perr := parseVersion()
		if perr != nil {
			err = perr
			break
		}
		if err = migrator.EnsureVersionTable(ctx); err != nil {
			break
		}
		err = migrator.MarkApplied(ctx, version)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseVersion() (int64, error) {
	if len(os.Args) < 3 {
		return 0, fmt.Errorf("missing version argument")
	}
	version, err := strconv.ParseInt(os.Args[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", os.Args[2], err)
	}
	return version, nil
}

func usage() {
	fmt.Println("Usage: migrate <up|up-to|down|status|version|mark> [version]")
}
