// Package schemaindex maintains a per-tenant semantic index over database
// schema descriptions.
//
// Each user table becomes one document, a compact text snippet listing its
// columns, keys and comments. Two interchangeable backends store the
// embedded snippets: a chromem-go file index for zero-dependency local runs
// and a pgvector table for deployments that keep everything in Postgres.
// The Store on top adds lazy building and self-healing.
package schemaindex

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/schemapilot/schemapilot/internal/catalog"
)

// Document is one table's snippet, ready for embedding. ID is the qualified
// table name, unique within a tenant.
type Document struct {
	Schema string
	Table  string // bare table name
	Text   string
}

// ID returns the document identifier, "schema.table".
func (d Document) ID() string { return d.Schema + "." + d.Table }

// Hit is one search result.
type Hit struct {
	Table string // qualified "schema.table"
	Score *float64
	Text  string
}

// VectorIndex is the storage side of the schema index. Implementations keep
// one namespace per tenant database name.
type VectorIndex interface {
	// Build replaces the tenant's entire index with docs.
	Build(ctx context.Context, dbName string, docs []Document) error

	// Search returns up to topK hits for query, best first. A tenant with no
	// index yields ErrIndexNotFound.
	Search(ctx context.Context, dbName, query string, topK int) ([]Hit, error)

	// UpsertTable replaces the documents of the tables covered by docs.
	UpsertTable(ctx context.Context, dbName string, docs []Document) error

	// DeleteTable removes one table's document, if present.
	DeleteTable(ctx context.Context, dbName, schema, table string) error

	// Ready reports whether the tenant has a built index.
	Ready(ctx context.Context, dbName string) (bool, error)
}

// BuildDocuments turns catalog records into one snippet document per table,
// preserving catalog order.
func BuildDocuments(records []catalog.ColumnRecord) []Document {
	groups := make(map[string][]catalog.ColumnRecord)
	var order []string
	for _, r := range records {
		key := r.QualifiedTable()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	docs := make([]Document, 0, len(order))
	for _, key := range order {
		cols := groups[key]
		docs = append(docs, Document{
			Schema: cols[0].Schema,
			Table:  cols[0].Table,
			Text:   buildSnippet(cols),
		})
	}
	return docs
}

// buildSnippet renders one table's columns into the text that gets embedded.
//
//	Table public.film: film_id (integer, primary key), title (text), ...
func buildSnippet(cols []catalog.ColumnRecord) string {
	var b strings.Builder
	b.WriteString("Table ")
	b.WriteString(cols[0].QualifiedTable())
	b.WriteString(": ")

	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Column)
		b.WriteString(" (")
		b.WriteString(c.DataType)
		if c.IsPrimaryKey {
			b.WriteString(", primary key")
		}
		for _, ref := range c.ForeignKeys {
			b.WriteString(", references ")
			b.WriteString(ref)
		}
		b.WriteString(")")
		if c.ColumnComment != "" {
			b.WriteString(" [")
			b.WriteString(c.ColumnComment)
			b.WriteString("]")
		}
	}
	if comment := cols[0].TableComment; comment != "" {
		b.WriteString(". ")
		b.WriteString(comment)
	}
	return b.String()
}

// normalizeScore maps a backend-native relevance value already converted to
// the [0,1] scale into a pointer score. Non-finite values (a zero vector
// makes cosine math produce NaN) become nil rather than junk numbers.
func normalizeScore(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	v = math.Max(0, math.Min(1, v))
	return &v
}

// sortHits orders hits best first, nil scores last.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		switch {
		case hits[i].Score == nil:
			return false
		case hits[j].Score == nil:
			return true
		default:
			return *hits[i].Score > *hits[j].Score
		}
	})
}
