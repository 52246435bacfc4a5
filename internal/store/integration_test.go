//go:build integration

package store

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var postgresURL string

// TestMain starts one Postgres container for the package and adds it to the
// contract implementations.
func TestMain(m *testing.M) {
	ctx := context.Background()
	pg, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("discovery"),
		postgres.WithUsername("discovery"),
		postgres.WithPassword("discovery"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	postgresURL, err = pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	implementations["postgres"] = newIntegrationPostgres

	code := m.Run()
	if err := pg.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

func newIntegrationPostgres(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()
	st, err := NewPostgres(ctx, postgresURL, 4, 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	_, err = st.pool.Exec(ctx, `TRUNCATE reports, ledger_entries, stage_results, cache_entries, runs`)
	require.NoError(t, err)
	return st
}
