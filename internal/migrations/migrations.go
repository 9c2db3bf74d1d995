// Package migrations embeds and applies the Postgres schema shared by
// pkg/checkpoint.PgStore and pkg/memory.PostgresStore.
package migrations

import (
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql
)

//go:embed sql
var migrationsFS embed.FS

// Up applies every pending migration against dsn, opening and closing its
// own short-lived *sql.DB — callers that already hold a pgxpool.Pool for
// the rest of the process still need a database/sql handle here because
// golang-migrate's Postgres driver speaks database/sql, not pgx's native
// pool interface.
func Up(dsn string) error {
	return run(dsn, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	})
}

// Down rolls back every applied migration. Intended for test teardown and
// local development, not a production operation.
func Down(dsn string) error {
	return run(dsn, func(m *migrate.Migrate) error {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	})
}

func run(dsn string, apply func(*migrate.Migrate) error) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("migrations: open: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations: postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "sql")
	if err != nil {
		return fmt.Errorf("migrations: source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: instance: %w", err)
	}

	return apply(m)
}
