// Package catalog extracts structural metadata from a tenant Postgres
// database: tables, columns, keys, size estimates and comments.
//
// The output feeds the schema embedding index and human-readable diagnostics.
// Records are produced fresh on every read and never cached here; the caller
// owns them.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgx query capability the catalog needs.
// *pgxpool.Pool and *pgx.Conn both satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ColumnRecord describes one column of one user table.
type ColumnRecord struct {
	Schema        string
	Table         string
	Column        string
	DataType      string
	IsNullable    bool
	IsPrimaryKey  bool
	ForeignKeys   []string // qualified refs, e.g. "public.customers.id"
	RowEstimate   int64
	TableSizeMB   float64
	TableComment  string
	ColumnComment string
	Samples       []string // only populated with WithSampleRows
}

// QualifiedTable returns "schema.table".
func (r ColumnRecord) QualifiedTable() string {
	return r.Schema + "." + r.Table
}

// IntrospectionError reports a failed catalog read. A full-catalog read never
// returns partial results: any query failure aborts the whole call.
type IntrospectionError struct {
	Op  string
	Err error
}

func (e *IntrospectionError) Error() string {
	return fmt.Sprintf("catalog introspection failed (%s): %v", e.Op, e.Err)
}

func (e *IntrospectionError) Unwrap() error { return e.Err }

// Option configures a catalog read.
type Option func(*readConfig)

type readConfig struct {
	sampleRows int
	schema     string
	table      string
}

// WithSampleRows fetches up to n example values per column. Expensive on
// large tables; sampling failures are per-column and never abort the read.
func WithSampleRows(n int) Option {
	return func(c *readConfig) { c.sampleRows = n }
}

// System schemas and the cache's own vector columns are implementation
// detail, not domain schema.
const columnsQuery = `
SELECT c.table_schema,
       c.table_name,
       c.column_name,
       c.data_type,
       c.is_nullable = 'YES'                              AS is_nullable,
       GREATEST(cl.reltuples, 0)::bigint                  AS row_estimate,
       pg_total_relation_size(cl.oid)                     AS size_bytes,
       COALESCE(obj_description(cl.oid, 'pg_class'), '')  AS table_comment,
       COALESCE(col_description(cl.oid, c.ordinal_position::int), '') AS column_comment
FROM information_schema.columns c
JOIN pg_catalog.pg_namespace ns ON ns.nspname = c.table_schema
JOIN pg_catalog.pg_class cl ON cl.relname = c.table_name AND cl.relnamespace = ns.oid
WHERE cl.relkind IN ('r', 'p')
  AND c.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
  AND c.data_type NOT ILIKE '%vector%'
  AND c.udt_name NOT ILIKE '%vector%'
  AND ($1::text IS NULL OR c.table_schema = $1)
  AND ($2::text IS NULL OR c.table_name = $2)
ORDER BY c.table_schema, c.table_name, c.ordinal_position`

const primaryKeysQuery = `
SELECT ns.nspname, cl.relname, a.attname
FROM pg_catalog.pg_constraint con
JOIN pg_catalog.pg_class cl ON cl.oid = con.conrelid
JOIN pg_catalog.pg_namespace ns ON ns.oid = cl.relnamespace
JOIN LATERAL unnest(con.conkey) AS k(attnum) ON true
JOIN pg_catalog.pg_attribute a ON a.attrelid = cl.oid AND a.attnum = k.attnum
WHERE con.contype = 'p'
  AND ns.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')`

const foreignKeysQuery = `
SELECT ns.nspname, cl.relname, a.attname,
       fns.nspname, fcl.relname, fa.attname
FROM pg_catalog.pg_constraint con
JOIN pg_catalog.pg_class cl ON cl.oid = con.conrelid
JOIN pg_catalog.pg_namespace ns ON ns.oid = cl.relnamespace
JOIN pg_catalog.pg_class fcl ON fcl.oid = con.confrelid
JOIN pg_catalog.pg_namespace fns ON fns.oid = fcl.relnamespace
JOIN LATERAL unnest(con.conkey) WITH ORDINALITY AS sk(attnum, ord) ON true
JOIN LATERAL unnest(con.confkey) WITH ORDINALITY AS fk(attnum, ord) ON fk.ord = sk.ord
JOIN pg_catalog.pg_attribute a ON a.attrelid = cl.oid AND a.attnum = sk.attnum
JOIN pg_catalog.pg_attribute fa ON fa.attrelid = fcl.oid AND fa.attnum = fk.attnum
WHERE con.contype = 'f'
  AND ns.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')`

// Read returns one ColumnRecord per column of every user table in the
// database, ordered by schema, table and ordinal position.
func Read(ctx context.Context, q Querier, opts ...Option) ([]ColumnRecord, error) {
	var cfg readConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return read(ctx, q, cfg)
}

// ReadTable returns the records of a single table. An existing table with no
// remaining (non-vector) columns yields an empty slice and no error; callers
// use that as the drop signal during change processing.
func ReadTable(ctx context.Context, q Querier, schema, table string, opts ...Option) ([]ColumnRecord, error) {
	cfg := readConfig{schema: schema, table: table}
	for _, opt := range opts {
		opt(&cfg)
	}
	return read(ctx, q, cfg)
}

func read(ctx context.Context, q Querier, cfg readConfig) ([]ColumnRecord, error) {
	records, err := readColumns(ctx, q, cfg)
	if err != nil {
		return nil, &IntrospectionError{Op: "columns", Err: err}
	}
	if len(records) == 0 {
		return records, nil
	}

	pks, err := readPrimaryKeys(ctx, q)
	if err != nil {
		return nil, &IntrospectionError{Op: "primary keys", Err: err}
	}
	fks, err := readForeignKeys(ctx, q)
	if err != nil {
		return nil, &IntrospectionError{Op: "foreign keys", Err: err}
	}

	for i := range records {
		key := columnKey(records[i].Schema, records[i].Table, records[i].Column)
		records[i].IsPrimaryKey = pks[key]
		records[i].ForeignKeys = fks[key]
	}

	if cfg.sampleRows > 0 {
		sampleColumns(ctx, q, records, cfg.sampleRows)
	}
	return records, nil
}

func readColumns(ctx context.Context, q Querier, cfg readConfig) ([]ColumnRecord, error) {
	var schema, table *string
	if cfg.schema != "" {
		schema = &cfg.schema
	}
	if cfg.table != "" {
		table = &cfg.table
	}

	rows, err := q.Query(ctx, columnsQuery, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ColumnRecord
	for rows.Next() {
		var r ColumnRecord
		var sizeBytes int64
		if err := rows.Scan(&r.Schema, &r.Table, &r.Column, &r.DataType, &r.IsNullable,
			&r.RowEstimate, &sizeBytes, &r.TableComment, &r.ColumnComment); err != nil {
			return nil, err
		}
		r.TableSizeMB = float64(sizeBytes) / (1024 * 1024)
		records = append(records, r)
	}
	return records, rows.Err()
}

func readPrimaryKeys(ctx context.Context, q Querier) (map[string]bool, error) {
	rows, err := q.Query(ctx, primaryKeysQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pks := make(map[string]bool)
	for rows.Next() {
		var schema, table, column string
		if err := rows.Scan(&schema, &table, &column); err != nil {
			return nil, err
		}
		pks[columnKey(schema, table, column)] = true
	}
	return pks, rows.Err()
}

func readForeignKeys(ctx context.Context, q Querier) (map[string][]string, error) {
	rows, err := q.Query(ctx, foreignKeysQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fks := make(map[string][]string)
	for rows.Next() {
		var schema, table, column, refSchema, refTable, refColumn string
		if err := rows.Scan(&schema, &table, &column, &refSchema, &refTable, &refColumn); err != nil {
			return nil, err
		}
		key := columnKey(schema, table, column)
		fks[key] = append(fks[key], refSchema+"."+refTable+"."+refColumn)
	}
	return fks, rows.Err()
}

// sampleColumns fetches example values column by column. Permission errors on
// individual tables are expected and must not abort the whole read, so every
// failure is simply skipped.
func sampleColumns(ctx context.Context, q Querier, records []ColumnRecord, n int) {
	for i := range records {
		r := &records[i]
		query := fmt.Sprintf("SELECT %s FROM %s LIMIT %d",
			pgx.Identifier{r.Column}.Sanitize(),
			pgx.Identifier{r.Schema, r.Table}.Sanitize(),
			n)

		rows, err := q.Query(ctx, query)
		if err != nil {
			continue
		}
		var samples []string
		for rows.Next() {
			values, err := rows.Values()
			if err != nil || len(values) == 0 {
				break
			}
			samples = append(samples, strings.TrimSpace(fmt.Sprint(values[0])))
		}
		rows.Close()
		if rows.Err() == nil {
			r.Samples = samples
		}
	}
}

func columnKey(schema, table, column string) string {
	return schema + "." + table + "." + column
}
