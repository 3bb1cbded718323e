// Package migrations embeds and applies the schema for every durable
// store SPEC_FULL.md's components own: the outbox, CDC checkpoints, feed
// rows, notification jobs, and realtime sync state.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nova-social/backend/pkg/logger"
)

//go:embed schema/*.sql
var migrationFiles embed.FS

// Manager applies and rolls back the embedded schema against one DSN.
type Manager struct {
	migrate *migrate.Migrate
	sqlDB   *sql.DB
	log     *logger.Logger
}

func NewManager(dsn string, log *logger.Logger) (*Manager, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database connection: %w", err)
	}

	d, err := iofs.New(migrationFiles, "schema")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "postgres", driver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}

	return &Manager{migrate: m, sqlDB: sqlDB, log: log}, nil
}

func (m *Manager) Up(ctx context.Context) error {
	start := time.Now()
	m.log.Info("running database migrations")

	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	m.log.Info("migrations completed", zap.Duration("duration", time.Since(start)))
	return nil
}

func (m *Manager) Down(ctx context.Context) error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	return nil
}

func (m *Manager) Version() (uint, bool, error) {
	return m.migrate.Version()
}

func (m *Manager) Close() error {
	if err := m.migrate.Close(); err != nil {
		return err
	}
	return m.sqlDB.Close()
}
