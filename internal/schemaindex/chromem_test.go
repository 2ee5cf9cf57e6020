package schemaindex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/testutil"
)

func newTestChromem(t *testing.T) *ChromemIndex {
	t.Helper()
	return NewChromemIndex(t.TempDir(), testutil.EmbedFunc(64), log.NewNop())
}

func testDocs() []Document {
	return []Document{
		{Schema: "public", Table: "film", Text: "Table public.film: film_id (integer, primary key), title (text), rating (text)"},
		{Schema: "public", Table: "actor", Text: "Table public.actor: actor_id (integer, primary key), first_name (text), last_name (text)"},
	}
}

func TestChromem_BuildAndSearch(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)

	require.NoError(t, idx.Build(ctx, "pagila", testDocs()))

	ready, err := idx.Ready(ctx, "pagila")
	require.NoError(t, err)
	assert.True(t, ready)

	hits, err := idx.Search(ctx, "pagila", "film title rating", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "public.film", hits[0].Table)
	require.NotNil(t, hits[0].Score)
	assert.GreaterOrEqual(t, *hits[0].Score, 0.0)
	assert.LessOrEqual(t, *hits[0].Score, 1.0)
	assert.Contains(t, hits[0].Text, "public.film")
}

func TestChromem_SearchClampsTopK(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	require.NoError(t, idx.Build(ctx, "pagila", testDocs()))

	hits, err := idx.Search(ctx, "pagila", "anything", 50)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestChromem_SearchUnknownTenant(t *testing.T) {
	idx := newTestChromem(t)

	_, err := idx.Search(context.Background(), "nowhere", "q", 3)
	assert.ErrorIs(t, err, ErrIndexNotFound)
}

func TestChromem_EmptyBuildIsReadyButSilent(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	require.NoError(t, idx.Build(ctx, "fresh", nil))

	ready, err := idx.Ready(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ready)

	hits, err := idx.Search(ctx, "fresh", "q", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromem_BuildReplacesIndex(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	require.NoError(t, idx.Build(ctx, "pagila", testDocs()))

	require.NoError(t, idx.Build(ctx, "pagila", []Document{
		{Schema: "public", Table: "inventory", Text: "Table public.inventory: inventory_id (integer, primary key)"},
	}))

	hits, err := idx.Search(ctx, "pagila", "inventory", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "public.inventory", hits[0].Table)
}

func TestChromem_DeleteTable(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	require.NoError(t, idx.Build(ctx, "pagila", testDocs()))

	require.NoError(t, idx.DeleteTable(ctx, "pagila", "public", "film"))

	hits, err := idx.Search(ctx, "pagila", "film title rating", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "public.actor", hits[0].Table)

	// Deleting an absent table is a no-op.
	assert.NoError(t, idx.DeleteTable(ctx, "pagila", "public", "ghost"))
}

func TestChromem_UpsertTable(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	require.NoError(t, idx.Build(ctx, "pagila", testDocs()))

	require.NoError(t, idx.UpsertTable(ctx, "pagila", []Document{
		{Schema: "public", Table: "film", Text: "Table public.film: film_id (integer, primary key), title (text), length (integer)"},
	}))

	hits, err := idx.Search(ctx, "pagila", "film length", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "public.film", hits[0].Table)
	assert.Contains(t, hits[0].Text, "length")
}

func TestChromem_UpsertBeforeBuild(t *testing.T) {
	idx := newTestChromem(t)

	err := idx.UpsertTable(context.Background(), "pagila", testDocs()[:1])
	assert.ErrorIs(t, err, ErrIndexNotFound)
}

func TestChromem_SearchDoesNotWaitForWriterLock(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	require.NoError(t, idx.Build(ctx, "pagila", testDocs()))

	// Simulate an in-progress build holding the exclusive writer lock.
	fl := idx.lock("pagila")
	require.NoError(t, fl.Lock())
	defer fl.Unlock() //nolint:errcheck

	done := make(chan error, 1)
	go func() {
		_, err := idx.Search(ctx, "pagila", "film title", 1)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("search waited on the writer lock")
	}
}

func TestStore_ConcurrentRebuildAndSearch(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	store := NewStore(idx, log.NewNop())
	q := catalogQuerier(filmColumns())

	_, err := store.Rebuild(ctx, q, "pagila")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, err := store.Rebuild(ctx, q, "pagila")
			assert.NoError(t, err)
		}
	}()

	// Searches racing the rebuilds must always observe a complete index.
	for i := 0; i < 40; i++ {
		hits, err := store.Search(ctx, q, "pagila", "film title", 2)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
	}
	wg.Wait()
}
