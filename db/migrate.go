package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// migrationsPath resolves the versioned migrations directory. MIGRATIONS_PATH wins
// when set; otherwise the usual locations relative to the working directory are tried.
func migrationsPath() (string, error) {
	candidates := []string{"db/migrations", "migrations", "../db/migrations"}
	if p := os.Getenv("MIGRATIONS_PATH"); p != "" {
		candidates = []string{p}
	}
	for _, p := range candidates {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("resolve migrations path %s: %w", p, err)
		}
		return "file://" + abs, nil
	}
	return "", fmt.Errorf("migrations directory not found in %v", candidates)
}

func newMigrator(db *sql.DB, sourceURL string) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies pending versioned migrations from db/migrations.
// Safe to run on every start; ErrNoChange is not an error.
func RunMigrations(db *sql.DB) error {
	src, err := migrationsPath()
	if err != nil {
		return err
	}
	return RunMigrationsFromPath(db, src)
}

// RunMigrationsFromPath applies migrations from a source URL such as file:///abs/dir.
func RunMigrationsFromPath(db *sql.DB, sourceURL string) error {
	m, err := newMigrator(db, sourceURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("err", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}
	slog.Info("migrations applied", slog.Uint64("version", uint64(version)), slog.String("component", "db_migrate"))
	return nil
}

// MigrateDown rolls back the most recent migration. Development use only.
func MigrateDown(db *sql.DB) error {
	src, err := migrationsPath()
	if err != nil {
		return err
	}
	m, err := newMigrator(db, src)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied version and dirty flag; 0 when nothing is applied.
func MigrationVersion(db *sql.DB) (uint, bool, error) {
	src, err := migrationsPath()
	if err != nil {
		return 0, false, err
	}
	m, err := newMigrator(db, src)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, dirty, nil
}
