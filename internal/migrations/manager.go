// Package migrations applies the authorization core's relational
// schema with golang-migrate, grounded on the teacher's
// pkg/database/migration.Manager: a thin wrapper pairing a postgres
// driver instance with a file-backed migration source.
package migrations

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
)

// Config is the migration runner's settings (spec §1.4's migrations
// path / auto-migrate-on-startup knobs).
type Config struct {
	Path             string
	AutoMigrate      bool
	MigrationTimeout time.Duration
}

// Manager drives golang-migrate against the authz schema.
type Manager struct {
	db       *sqlx.DB
	cfg      Config
	migrator *migrate.Migrate
}

// NewManager builds a Manager over db, defaulting Path/MigrationTimeout
// when unset.
func NewManager(db *sqlx.DB, cfg Config) *Manager {
	if cfg.Path == "" {
		cfg.Path = "internal/migrations/sql"
	}
	if cfg.MigrationTimeout == 0 {
		cfg.MigrationTimeout = time.Minute
	}
	return &Manager{db: db, cfg: cfg}
}

func (m *Manager) init() error {
	if m.migrator != nil {
		return nil
	}
	driver, err := postgres.WithInstance(m.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations: build postgres driver: %w", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", m.cfg.Path), "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: build migrator: %w", err)
	}
	m.migrator = migrator
	return nil
}

// Up applies every pending migration, bounded by cfg.MigrationTimeout.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.init(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.MigrationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := m.migrator.Up()
		if err == migrate.ErrNoChange {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("migrations: up: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("migrations: up timed out after %s", m.cfg.MigrationTimeout)
	}
}

// Down rolls back the single most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.init(); err != nil {
		return err
	}
	if err := m.migrator.Steps(-1); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrations: down: %w", err)
	}
	return nil
}

// Version reports the schema's current migration version.
func (m *Manager) Version() (uint, bool, error) {
	if err := m.init(); err != nil {
		return 0, false, err
	}
	version, dirty, err := m.migrator.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return 0, false, fmt.Errorf("migrations: version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the migrator's source and database handles.
func (m *Manager) Close() error {
	if m.migrator == nil {
		return nil
	}
	sourceErr, dbErr := m.migrator.Close()
	if sourceErr != nil {
		return fmt.Errorf("migrations: close source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("migrations: close database: %w", dbErr)
	}
	return nil
}
