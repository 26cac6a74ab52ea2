package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB bundles the gorm handle with the raw connection it wraps. Entity
// repositories use Gorm; the job queue uses hand-written SQL on Raw where
// ON CONFLICT semantics carry the dedup invariant.
type DB struct {
	Gorm *gorm.DB
	Raw  *sql.DB
}

// Connect opens a Postgres connection pool
func Connect(databaseURL string) (*DB, error) {
	gdb, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	raw, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get raw connection: %w", err)
	}

	raw.SetMaxOpenConns(20)
	raw.SetMaxIdleConns(5)

	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Gorm: gdb, Raw: raw}, nil
}

// Close closes the underlying connection pool
func (d *DB) Close() error {
	return d.Raw.Close()
}

// RunMigrations applies all pending schema migrations
func RunMigrations(d *DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := pgmigrate.WithInstance(d.Raw, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
