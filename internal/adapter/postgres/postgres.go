// Package postgres provides the PostgreSQL connection pool, the schema
// migrations and the agentplane store.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql (needed by goose)
	"github.com/pressly/goose/v3"

	"github.com/Strob0t/agentplane/internal/config"
)

const (
	// migrationTable keeps goose's bookkeeping apart from other services
	// sharing the database.
	migrationTable = "agentplane_schema_migrations"
	migrationDir   = "migrations"
	// applicationName tags agentplane sessions in pg_stat_activity.
	applicationName = "agentplane"
)

//go:embed migrations/*.sql
var migrations embed.FS

// NewPool creates a pgxpool connection pool from a config.Postgres struct.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheck
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// openMigrator opens a database/sql handle with goose pointed at the
// embedded migrations and the agentplane version table.
func openMigrator(dsn string) (*sql.DB, error) {
	goose.SetBaseFS(migrations)
	goose.SetTableName(migrationTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open migration db: %w", err)
	}
	return db, nil
}

// RunMigrations brings the agent tables up to the latest embedded version.
func RunMigrations(ctx context.Context, dsn string) error {
	db, err := openMigrator(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	before, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	if err := goose.UpContext(ctx, db, migrationDir); err != nil {
		return fmt.Errorf("run migrations from version %d: %w", before, err)
	}
	after, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}

	if after != before {
		slog.InfoContext(ctx, "schema migrated", "from", before, "to", after, "table", migrationTable)
	} else {
		slog.DebugContext(ctx, "schema up to date", "version", after)
	}
	return nil
}

// RollbackMigrations rolls back the last steps migrations. Rolling back
// the initial migration drops every agentplane table.
func RollbackMigrations(ctx context.Context, dsn string, steps int) error {
	db, err := openMigrator(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	for i := range steps {
		if err := goose.DownContext(ctx, db, migrationDir); err != nil {
			return fmt.Errorf("rollback step %d of %d: %w", i+1, steps, err)
		}
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	slog.WarnContext(ctx, "schema rolled back", "steps", steps, "version", version)
	return nil
}

// MigrationVersion returns the schema version recorded in the agentplane
// migration table.
func MigrationVersion(ctx context.Context, dsn string) (int64, error) {
	db, err := openMigrator(dsn)
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}
