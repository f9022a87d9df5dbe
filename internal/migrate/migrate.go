// Package migrate runs the embedded goose migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/opennotes-dev/opennotes-server/migrations"
)

// Migrator drives goose over the embedded migrations FS.
type Migrator struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewMigrator creates a Migrator over the given bun connection.
func NewMigrator(db *bun.DB, logger *zap.Logger) *Migrator {
	return &Migrator{
		db:     db,
		logger: logger.Named("migrator"),
	}
}

// prepare points goose at the embedded FS. Goose state is package-global, so
// this runs before every operation rather than once.
func (m *Migrator) prepare() (*sql.DB, error) {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	return m.db.DB, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	m.logger.Info("running database migrations")
	sqlDB, err := m.prepare()
	if err != nil {
		return err
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	m.logger.Info("migrations applied")
	return nil
}

// UpTo applies pending migrations up to and including version.
func (m *Migrator) UpTo(ctx context.Context, version int64) error {
	m.logger.Info("running database migrations", zap.Int64("target", version))
	sqlDB, err := m.prepare()
	if err != nil {
		return err
	}
	if err := goose.UpToContext(ctx, sqlDB, ".", version); err != nil {
		return fmt.Errorf("run migrations to %d: %w", version, err)
	}
	m.logger.Info("migrations applied", zap.Int64("target", version))
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	m.logger.Info("rolling back last migration")
	sqlDB, err := m.prepare()
	if err != nil {
		return err
	}
	if err := goose.DownContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("rollback migration: %w", err)
	}
	m.logger.Info("rollback complete")
	return nil
}

// Status prints the per-migration applied state.
func (m *Migrator) Status(ctx context.Context) error {
	sqlDB, err := m.prepare()
	if err != nil {
		return err
	}
	if err := goose.StatusContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	return nil
}

// Version returns the current schema version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	sqlDB, err := m.prepare()
	if err != nil {
		return 0, err
	}
	version, err := goose.GetDBVersionContext(ctx, sqlDB)
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}

// EnsureVersionTable creates the goose version table when missing.
func (m *Migrator) EnsureVersionTable(ctx context.Context) error {
	sqlDB, err := m.prepare()
	if err != nil {
		return err
	}
	if _, err := goose.EnsureDBVersionContext(ctx, sqlDB); err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}
	return nil
}

// MarkApplied records a version as applied without running it, for databases
// that already carry the schema.
func (m *Migrator) MarkApplied(ctx context.Context, version int64) error {
	m.logger.Info("marking migration as applied", zap.Int64("version", version))
	_, err := m.db.DB.ExecContext(ctx, `
		INSERT INTO goose_db_version (version_id, is_applied)
		VALUES ($1, true)
		ON CONFLICT (version_id) DO UPDATE SET is_applied = true
	`, version)
	if err != nil {
		return fmt.Errorf("mark migration applied: %w", err)
	}
	return nil
}
