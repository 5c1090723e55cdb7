// Package database wires a health-checkable Postgres connection pool and
// exposes the golang-migrate-backed schema operations (up/down/version)
// cmd/migrate drives on its own *sql.DB. The pool itself is a thin wrapper: connection pooling
// and querying for the application proper go through internal/ledger's
// *sqlx.DB, not through this package.
package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Connection settings read by New; set by mustStartPostgresContainer in the
// testcontainers-backed integration test at container startup, left at their
// zero values otherwise.
var (
	database string
	password string
	username string
	host     string
	port     string
)

// Service is a minimal health-checkable handle over a raw *sql.DB.
type Service struct {
	db *sql.DB
}

// New opens a connection pool against the configured (or container-provided)
// Postgres instance. Panics on failure to open, matching the teacher's
// startup-fails-loud convention for infra that the process cannot run
// without.
func New() *Service {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		valueOr(username, "postgres"),
		valueOr(password, "postgres"),
		valueOr(host, "localhost"),
		valueOr(port, "5432"),
		valueOr(database, "crashd"),
	)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		panic(fmt.Sprintf("database: failed to open pool: %v", err))
	}
	return &Service{db: db}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Health reports pool connectivity in the shape the teacher's /health
// handler already expects.
func (s *Service) Health() map[string]string {
	if err := s.db.Ping(); err != nil {
		return map[string]string{"status": "down", "error": err.Error()}
	}
	return map[string]string{"status": "up", "message": "It's healthy"}
}

// Close releases the underlying pool.
func (s *Service) Close() error {
	return s.db.Close()
}

func migrateInstance(db *sql.DB, migrationsPath string) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("database: postgres driver: %w", err)
	}
	return migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
}

// RunMigrations applies every pending up migration.
func RunMigrations(db *sql.DB, migrationsPath string) error {
	m, err := migrateInstance(db, migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// RollbackMigration reverts exactly one migration step.
func RollbackMigration(db *sql.DB, migrationsPath string) error {
	m, err := migrateInstance(db, migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// GetMigrationVersion reports the current schema version and dirty flag.
func GetMigrationVersion(db *sql.DB, migrationsPath string) (uint, bool, error) {
	m, err := migrateInstance(db, migrationsPath)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
