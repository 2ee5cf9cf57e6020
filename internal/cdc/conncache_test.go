package cdc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemapilot/schemapilot/internal/broadcast"
	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/schemaindex"
	"github.com/schemapilot/schemapilot/internal/testutil"
)

func TestConnCache_DSNFailureWraps(t *testing.T) {
	cache := NewConnCache(
		func(string) (string, error) { return "", errors.New("no such tenant") },
		nil, log.NewNop())
	defer cache.Close()

	_, err := cache.Pool(context.Background(), "ghost")

	var cacheErr *ConnectionCacheError
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "ghost", cacheErr.Tenant)
}

func TestConnCache_ClosedCacheRefuses(t *testing.T) {
	cache := NewConnCache(
		func(string) (string, error) { return "postgres://localhost/x", nil },
		nil, log.NewNop())
	cache.Close()
	cache.Close() // double close is safe

	_, err := cache.Pool(context.Background(), "any")
	var cacheErr *ConnectionCacheError
	assert.ErrorAs(t, err, &cacheErr)
}

func TestConnCache_AttachAndReuse(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	ctx := context.Background()
	dsn := testutil.StartPostgres(t)

	index := schemaindex.NewChromemIndex(t.TempDir(), testutil.EmbedFunc(32), log.NewNop())
	store := schemaindex.NewStore(index, log.NewNop())
	bus := broadcast.New(log.NewNop())

	cache := NewConnCache(
		func(string) (string, error) { return dsn, nil },
		func(dbName string, pool *pgxpool.Pool) *Listener {
			return NewListener(pool, dbName, store, bus, nil, log.NewNop())
		},
		log.NewNop())
	defer cache.Close()

	pool1, err := cache.Pool(ctx, "schemapilot_test")
	require.NoError(t, err)
	pool2, err := cache.Pool(ctx, "schemapilot_test")
	require.NoError(t, err)
	assert.Same(t, pool1, pool2, "pools are cached per tenant")
	assert.Equal(t, []string{"schemapilot_test"}, cache.Tenants())

	created, err := cache.Attach(ctx, "schemapilot_test")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = cache.Attach(ctx, "schemapilot_test")
	require.NoError(t, err)
	assert.False(t, created, "second attach is a no-op")

	require.Eventually(t, func() bool {
		return cache.ListenerState("schemapilot_test") == StateListening
	}, 10*time.Second, 50*time.Millisecond)

	cache.Close()
	assert.Equal(t, StateIdle, cache.ListenerState("schemapilot_test"))
}
