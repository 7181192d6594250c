// Command migrate applies the SQL migrations in migrations/ to the
// configured Postgres database.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the config file")
		action     = flag.String("action", "up", "migration action: up, down, steps, version")
		steps      = flag.Int("steps", 0, "number of migrations for the steps action, negative rolls back")
		dir        = flag.String("dir", "migrations", "directory holding the migration files")
	)
	flag.Parse()

	if err := run(*configPath, *action, *dir, *steps); err != nil {
		slog.Error("migration failed", "action", *action, "error", err)
		os.Exit(1)
	}
}

func run(configPath, action, dir string, steps int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("reading migrations from %s: %w", dir, err)
	}
	defer m.Close()

	switch action {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		if steps == 0 {
			return errors.New("steps action requires a non-zero -steps")
		}
		err = m.Steps(steps)
	case "version":
		return reportVersion(m)
	default:
		return fmt.Errorf("unknown action %q", action)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("database already up to date")
		return nil
	}
	if err != nil {
		return err
	}
	return reportVersion(m)
}

func reportVersion(m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		slog.Info("no migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("schema version", "version", version, "dirty", dirty)
	return nil
}
