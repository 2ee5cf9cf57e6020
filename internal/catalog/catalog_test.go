package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRows implements pgx.Rows over an in-memory result set.
type fakeRows struct {
	rows [][]any
	pos  int
	err  error
}

func (f *fakeRows) Close()                                       {}
func (f *fakeRows) Err() error                                   { return f.err }
func (f *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (f *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (f *fakeRows) RawValues() [][]byte                          { return nil }
func (f *fakeRows) Conn() *pgx.Conn                              { return nil }

func (f *fakeRows) Next() bool {
	if f.pos >= len(f.rows) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeRows) Values() ([]any, error) {
	return f.rows[f.pos-1], nil
}

func (f *fakeRows) Scan(dest ...any) error {
	row := f.rows[f.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: want %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *bool:
			*p = row[i].(bool)
		case *int64:
			*p = int64(row[i].(int))
		case *float64:
			*p = row[i].(float64)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

// fakeQuerier routes queries to canned result sets by substring match.
type fakeQuerier struct {
	columns [][]any
	pks     [][]any
	fks     [][]any
	failOn  string
}

func (f *fakeQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	switch {
	case f.failOn != "" && strings.Contains(sql, f.failOn):
		return nil, errors.New("boom")
	case strings.Contains(sql, "information_schema.columns"):
		return &fakeRows{rows: f.columns}, nil
	case strings.Contains(sql, "contype = 'p'"):
		return &fakeRows{rows: f.pks}, nil
	case strings.Contains(sql, "contype = 'f'"):
		return &fakeRows{rows: f.fks}, nil
	}
	return &fakeRows{}, nil
}

func colRow(schema, table, column, typ string, nullable bool) []any {
	return []any{schema, table, column, typ, nullable, 42, int(2 * 1024 * 1024), "", ""}
}

func TestRead_MergesKeysIntoRecords(t *testing.T) {
	q := &fakeQuerier{
		columns: [][]any{
			colRow("public", "orders", "id", "integer", false),
			colRow("public", "orders", "customer_id", "integer", false),
			colRow("public", "customers", "id", "integer", false),
		},
		pks: [][]any{
			{"public", "orders", "id"},
			{"public", "customers", "id"},
		},
		fks: [][]any{
			{"public", "orders", "customer_id", "public", "customers", "id"},
		},
	}

	records, err := Read(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, records, 3)

	byColumn := make(map[string]ColumnRecord)
	for _, r := range records {
		byColumn[r.QualifiedTable()+"."+r.Column] = r
	}

	assert.True(t, byColumn["public.orders.id"].IsPrimaryKey)
	assert.False(t, byColumn["public.orders.customer_id"].IsPrimaryKey)
	assert.Equal(t, []string{"public.customers.id"}, byColumn["public.orders.customer_id"].ForeignKeys)
	assert.Empty(t, byColumn["public.customers.id"].ForeignKeys)
	assert.Equal(t, int64(42), byColumn["public.orders.id"].RowEstimate)
	assert.InDelta(t, 2.0, byColumn["public.orders.id"].TableSizeMB, 0.01)
}

func TestRead_EmptyCatalog(t *testing.T) {
	records, err := Read(context.Background(), &fakeQuerier{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRead_ColumnFailureIsIntrospectionError(t *testing.T) {
	q := &fakeQuerier{failOn: "information_schema.columns"}

	_, err := Read(context.Background(), q)
	require.Error(t, err)

	var ie *IntrospectionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "columns", ie.Op)
}

func TestRead_KeyFailureAbortsWholeRead(t *testing.T) {
	q := &fakeQuerier{
		columns: [][]any{colRow("public", "orders", "id", "integer", false)},
		failOn:  "contype = 'p'",
	}

	records, err := Read(context.Background(), q)
	assert.Nil(t, records, "no partial results on a full-catalog read")

	var ie *IntrospectionError
	require.ErrorAs(t, err, &ie)
}

func TestReadTable_NoColumnsMeansGone(t *testing.T) {
	records, err := ReadTable(context.Background(), &fakeQuerier{}, "public", "ghost")
	require.NoError(t, err)
	assert.Empty(t, records)
}
