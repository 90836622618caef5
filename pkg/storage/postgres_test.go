package storage

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestDB(t *testing.T) (*PostgresRepository, *pgxpool.Pool) {
	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, NewSchemaManager(pool, logger).InitializeSchema(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE ledger_entries, marketplaces, profile_books`)
	require.NoError(t, err)

	repo, err := NewPostgresRepository(ctx, pool, logger)
	require.NoError(t, err)
	return repo, pool
}

func TestPostgresRepository(t *testing.T) {
	repo, pool := setupTestDB(t)
	testRepositoryContract(t, repo)

	ctx := context.Background()

	t.Run("LedgerMirrored", func(t *testing.T) {
		var count int
		err := pool.QueryRow(ctx, `SELECT count(*) FROM ledger_entries WHERE paper_id = $1`, "paper/1").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("LedgerIsAppendOnly", func(t *testing.T) {
		_, err := pool.Exec(ctx, `DELETE FROM ledger_entries WHERE paper_id = $1`, "paper/1")
		assert.Error(t, err)
	})

	t.Run("SchemaIsIdempotent", func(t *testing.T) {
		require.NoError(t, NewSchemaManager(pool, zaptest.NewLogger(t)).InitializeSchema(ctx))
	})
}
