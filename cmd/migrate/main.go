// Package main provides a CLI tool to inspect and move the database schema version.
//
// Usage:
//
//	migrate [--dsn DSN] up|down|version
//
// Commands:
//
//	up:      apply pending migrations from db/migrations (MIGRATIONS_PATH overrides)
//	down:    roll back the most recent migration
//	version: print the applied version and dirty flag
//
// Environment Variables:
//
//	DB_DSN: Database connection string (used when --dsn is not given)
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/onnwee/kick-notifier/db"
)

// migrator is the subset of the db package the commands drive.
type migrator struct {
	up      func(*sql.DB) error
	down    func(*sql.DB) error
	version func(*sql.DB) (uint, bool, error)
}

var defaultMigrator = migrator{
	up:      db.RunMigrations,
	down:    db.MigrateDown,
	version: db.MigrationVersion,
}

func main() {
	_ = godotenv.Load()
	dsn := flag.String("dsn", os.Getenv("DB_DSN"), "Postgres connection string")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if *dsn == "" {
		slog.Error("DB_DSN environment variable or --dsn flag is required")
		os.Exit(1)
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: migrate [--dsn DSN] up|down|version")
		os.Exit(2)
	}

	database, err := db.Connect(*dsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	if err := run(defaultMigrator, database, flag.Arg(0), os.Stdout); err != nil {
		slog.Error("migrate failed", slog.String("command", flag.Arg(0)), slog.Any("err", err))
		os.Exit(1)
	}
}

func run(m migrator, database *sql.DB, cmd string, out io.Writer) error {
	switch cmd {
	case "up":
		return m.up(database)
	case "down":
		if err := m.down(database); err != nil {
			return err
		}
		slog.Info("rolled back one migration", slog.String("component", "db_migrate"))
		return nil
	case "version":
		v, dirty, err := m.version(database)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "version=%d dirty=%t\n", v, dirty)
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
