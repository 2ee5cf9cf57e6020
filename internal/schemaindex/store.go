package schemaindex

import (
	"context"
	"errors"

	"github.com/schemapilot/schemapilot/internal/catalog"
	"github.com/schemapilot/schemapilot/internal/log"
)

// Store ties catalog introspection to a VectorIndex. All methods take the
// tenant's catalog querier and database name, so one Store serves every
// tenant the worker is attached to.
type Store struct {
	index  VectorIndex
	logger log.Logger
}

// NewStore creates a Store over index.
func NewStore(index VectorIndex, logger log.Logger) *Store {
	return &Store{index: index, logger: logger}
}

// Index exposes the underlying backend, mainly for status reporting.
func (s *Store) Index() VectorIndex { return s.index }

// EnsureIndex builds the tenant's index if it does not exist yet. With force
// set it rebuilds unconditionally.
func (s *Store) EnsureIndex(ctx context.Context, q catalog.Querier, dbName string, force bool) error {
	if !force {
		ready, err := s.index.Ready(ctx, dbName)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
	}
	_, err := s.Rebuild(ctx, q, dbName)
	return err
}

// Rebuild reads the full catalog and replaces the tenant's index, returning
// the number of tables indexed.
func (s *Store) Rebuild(ctx context.Context, q catalog.Querier, dbName string) (int, error) {
	records, err := catalog.Read(ctx, q)
	if err != nil {
		return 0, err
	}
	docs := BuildDocuments(records)
	if err := s.index.Build(ctx, dbName, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Search finds the topK most relevant table snippets for query. A missing or
// broken index triggers one rebuild followed by one retry; if the retry
// fails too, the backend error surfaces.
func (s *Store) Search(ctx context.Context, q catalog.Querier, dbName, query string, topK int) ([]Hit, error) {
	hits, err := s.index.Search(ctx, dbName, query, topK)
	if err == nil {
		return hits, nil
	}

	s.logger.Warn("schema search failed, rebuilding index", "db", dbName, "error", err)
	if _, err := s.Rebuild(ctx, q, dbName); err != nil {
		return nil, err
	}
	return s.index.Search(ctx, dbName, query, topK)
}

// RefreshTable re-reads one table and updates its index entry. A table that
// no longer exists (or kept no describable columns) is removed instead;
// removed reports which happened.
func (s *Store) RefreshTable(ctx context.Context, q catalog.Querier, dbName, schema, table string) (removed bool, err error) {
	records, err := catalog.ReadTable(ctx, q, schema, table)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		err := s.index.DeleteTable(ctx, dbName, schema, table)
		if errors.Is(err, ErrIndexNotFound) {
			return true, nil
		}
		return true, err
	}

	err = s.index.UpsertTable(ctx, dbName, BuildDocuments(records))
	if errors.Is(err, ErrIndexNotFound) {
		// First change before any build; do the full thing instead.
		_, err = s.Rebuild(ctx, q, dbName)
	}
	return false, err
}
