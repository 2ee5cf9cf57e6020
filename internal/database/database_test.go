package database

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/testutil"
)

func TestConvertToMigrateURL(t *testing.T) {
	out, err := convertToMigrateURL("postgres://u:p@host:5432/db?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://u:p@host:5432/db?sslmode=disable", out)

	out, err = convertToMigrateURL("postgresql://host/db")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://host/db", out)

	_, err = convertToMigrateURL("mysql://host/db")
	assert.ErrorContains(t, err, "unsupported database URL scheme")
}

func TestMigrate_CreatesSchemaObjects(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	ctx := context.Background()
	dsn := testutil.StartPostgres(t)

	require.NoError(t, Migrate(dsn, log.NewNop()))
	// Re-running is a no-op.
	require.NoError(t, Migrate(dsn, log.NewNop()))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'schema_embeddings')`).
		Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)

	var triggers int
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM pg_event_trigger WHERE evtname LIKE 'schemapilot_%'`).
		Scan(&triggers)
	require.NoError(t, err)
	assert.Equal(t, 2, triggers)

	// The event triggers must actually notify on DDL.
	_, err = pool.Exec(ctx, `CREATE TABLE smoke (id int)`)
	require.NoError(t, err)
}
