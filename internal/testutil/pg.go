package testutil

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Rows is an in-memory pgx.Rows for unit tests. Cols is optional and only
// needed by code that reads field descriptions.
type Rows struct {
	Cols []string
	Data [][]any
	pos  int
}

func (r *Rows) Close()                        {}
func (r *Rows) Err() error                    { return nil }
func (r *Rows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *Rows) RawValues() [][]byte           { return nil }
func (r *Rows) Conn() *pgx.Conn               { return nil }

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	fields := make([]pgconn.FieldDescription, len(r.Cols))
	for i, name := range r.Cols {
		fields[i] = pgconn.FieldDescription{Name: name}
	}
	return fields
}

func (r *Rows) Next() bool {
	if r.pos >= len(r.Data) {
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Values() ([]any, error) { return r.Data[r.pos-1], nil }

func (r *Rows) Scan(dest ...any) error {
	row := r.Data[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: want %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *bool:
			*p = row[i].(bool)
		case *float64:
			switch v := row[i].(type) {
			case float64:
				*p = v
			case int:
				*p = float64(v)
			}
		case *int64:
			switch v := row[i].(type) {
			case int64:
				*p = v
			case int:
				*p = int64(v)
			}
		case *[]byte:
			switch v := row[i].(type) {
			case []byte:
				*p = v
			case string:
				*p = []byte(v)
			}
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

// Querier answers pgx queries from a callback, letting a test route by SQL
// text.
type Querier struct {
	OnQuery func(sql string, args []any) ([][]any, error)
	Cols    []string // column names applied to every result
	Queries []string
}

func (q *Querier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.Queries = append(q.Queries, sql)
	if q.OnQuery == nil {
		return &Rows{Cols: q.Cols}, nil
	}
	data, err := q.OnQuery(sql, args)
	if err != nil {
		return nil, err
	}
	return &Rows{Cols: q.Cols, Data: data}, nil
}
