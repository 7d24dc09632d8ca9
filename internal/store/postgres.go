// ABOUTME: Postgres implementation of the Store interface using the pgx stdlib driver
// ABOUTME: Schema is managed by golang-migrate from embedded SQL migrations

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// migrationFS holds the Postgres schema migrations.
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements the Store interface using Postgres
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore connects to the database at dsn (a postgres:// URL), applies
// pending migrations and returns the store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	if err := migrateUp(dsn); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("Postgres store initialized")
	return &PostgresStore{
		sqlStore: &sqlStore{
			db:     db,
			d:      postgresDialect,
			logger: logger,
		},
	}, nil
}

// migrateUp applies all embedded migrations. Being at the latest version is not an error.
func migrateUp(dsn string) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
