package cdc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemapilot/schemapilot/internal/broadcast"
	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/schemaindex"
	"github.com/schemapilot/schemapilot/internal/testutil"
)

// newTestListener wires a listener over an in-memory catalog and a chromem
// index in a temp dir. columns drives what the fake tenant catalog reports.
func newTestListener(t *testing.T, columns [][]any) (*Listener, *broadcast.Broadcaster, *schemaindex.Store) {
	t.Helper()

	index := schemaindex.NewChromemIndex(t.TempDir(), testutil.EmbedFunc(32), log.NewNop())
	store := schemaindex.NewStore(index, log.NewNop())
	bus := broadcast.New(log.NewNop())

	l := NewListener(nil, "pagila", store, bus, nil, log.NewNop())
	l.querier = &testutil.Querier{OnQuery: func(sql string, _ []any) ([][]any, error) {
		if strings.Contains(sql, "information_schema.columns") {
			return columns, nil
		}
		return nil, nil
	}}
	return l, bus, store
}

func TestHandle_RefreshesTableAndPublishes(t *testing.T) {
	ctx := context.Background()
	columns := [][]any{
		{"public", "film", "film_id", "integer", false, 100, 1 << 20, "", ""},
		{"public", "film", "title", "text", false, 100, 1 << 20, "", ""},
	}
	l, bus, store := newTestListener(t, columns)
	_, events := bus.Subscribe()

	l.handle(ctx, `{"schema":"public","table":"film","command":"ALTER TABLE"}`)

	select {
	case msg := <-events:
		var ev ChangeEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "film", ev.Table)
		assert.Equal(t, "pagila", ev.DB, "tenant name fills in when the payload omits it")
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	hits, err := store.Search(ctx, l.querier, "pagila", "film title", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "public.film", hits[0].Table)
}

func TestHandle_DropsUndecodablePayload(t *testing.T) {
	l, bus, _ := newTestListener(t, nil)
	_, events := bus.Subscribe()

	l.handle(context.Background(), "garbage")

	select {
	case msg := <-events:
		t.Fatalf("unexpected publish %q", msg.Data)
	default:
	}
}

func TestHandle_DroppedTableRemovesEntry(t *testing.T) {
	ctx := context.Background()
	l, _, store := newTestListener(t, nil) // catalog reports no columns: table is gone

	require.NoError(t, store.EnsureIndex(ctx, l.querier, "pagila", true))
	l.handle(ctx, `{"table":"film","command":"DROP TABLE"}`)

	assert.Equal(t, StateProcessing, l.State(), "handle leaves state to the caller loop")
	ready, err := store.Index().Ready(ctx, "pagila")
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestHandle_RefreshFailureDoesNotPublish(t *testing.T) {
	l, bus, _ := newTestListener(t, nil)
	l.querier = &testutil.Querier{OnQuery: func(string, []any) ([][]any, error) {
		return nil, assert.AnError
	}}
	_, events := bus.Subscribe()

	l.handle(context.Background(), `{"table":"film"}`)

	select {
	case msg := <-events:
		t.Fatalf("unexpected publish %q", msg.Data)
	default:
	}
}

func TestListenerState_Lifecycle(t *testing.T) {
	l, _, _ := newTestListener(t, nil)
	assert.Equal(t, StateIdle, l.State())

	l.setState(StateListening)
	assert.Equal(t, StateListening, l.State())
}
