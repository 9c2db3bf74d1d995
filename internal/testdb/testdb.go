// Package testdb starts the shared PostgreSQL testcontainer backing the
// Postgres-backed store tests. In CI an external database can be supplied
// via CI_DATABASE_URL instead; locally one container is started per test
// package and reused by every test in it.
package testdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opsassist/opsai/internal/migrations"
)

var (
	sharedDSN string
	once      sync.Once
	startErr  error
)

// DSN returns a connection string to a migrated test database, starting
// the shared container on first use. Skipped in -short mode.
func DSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres-backed test in -short mode")
	}

	once.Do(func() {
		dsn := os.Getenv("CI_DATABASE_URL")
		if dsn == "" {
			dsn, startErr = startContainer()
			if startErr != nil {
				return
			}
		}
		if err := migrations.Up(dsn); err != nil {
			startErr = fmt.Errorf("apply migrations: %w", err)
			return
		}
		sharedDSN = dsn
	})

	require.NoError(t, startErr, "failed to set up shared test database")
	return sharedDSN
}

func startContainer() (string, error) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("opsai_test"),
		postgres.WithUsername("opsai"),
		postgres.WithPassword("opsai"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return "", fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", fmt.Errorf("container connection string: %w", err)
	}
	return dsn, nil
}
