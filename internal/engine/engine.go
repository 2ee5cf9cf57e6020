// Package engine runs the ask pipeline: retrieve relevant schema snippets,
// have the translator draft SQL, vet the draft and execute it against the
// tenant database.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schemapilot/schemapilot/internal/catalog"
	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/nl2sql"
	"github.com/schemapilot/schemapilot/internal/observability"
	"github.com/schemapilot/schemapilot/internal/schemaindex"
	"github.com/schemapilot/schemapilot/internal/sqlguard"
)

// TableRef names one schema snippet that informed the generated SQL.
type TableRef struct {
	Name  string   `json:"name"`
	Score *float64 `json:"score"`
}

// Answer is the full result of one question.
type Answer struct {
	SQL      string           `json:"sql"`
	Model    string           `json:"model"`
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
	Tables   []TableRef       `json:"tables"`
	Elapsed  time.Duration    `json:"-"`
}

// Config tunes the pipeline.
type Config struct {
	TopK      int
	RowLimit  int
	CostGuard bool
	CostLimit float64
}

// Engine answers questions for any tenant; per-call state arrives as
// arguments so one engine serves every attached database.
type Engine struct {
	store      *schemaindex.Store
	translator nl2sql.Translator
	metrics    *observability.Metrics
	logger     log.Logger
	cfg        Config
}

// New creates an Engine. metrics may be nil.
func New(store *schemaindex.Store, translator nl2sql.Translator,
	metrics *observability.Metrics, logger log.Logger, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 6
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = 1000
	}
	return &Engine{store: store, translator: translator, metrics: metrics, logger: logger, cfg: cfg}
}

// Ask answers one natural language question against the tenant reachable
// through q. Verification failures surface unwrapped so callers can map them
// to client errors.
func (e *Engine) Ask(ctx context.Context, q catalog.Querier, dbName, question string) (Answer, error) {
	started := time.Now()

	hits, err := e.store.Search(ctx, q, dbName, question, e.cfg.TopK)
	if err != nil {
		return Answer{}, fmt.Errorf("schema search: %w", err)
	}

	snippets := make([]string, len(hits))
	tables := make([]TableRef, len(hits))
	for i, h := range hits {
		snippets[i] = h.Text
		tables[i] = TableRef{Name: h.Table, Score: h.Score}
	}

	draft, err := e.translator.Translate(ctx, nl2sql.Request{
		DB:       dbName,
		Question: question,
		Snippets: snippets,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("translating question: %w", err)
	}

	opts := []sqlguard.Option{sqlguard.WithRowLimit(e.cfg.RowLimit)}
	if e.cfg.CostGuard {
		opts = append(opts, sqlguard.WithCostGuard(q, e.cfg.CostLimit))
	}
	verified, err := sqlguard.Verify(ctx, draft.SQL, opts...)
	if err != nil {
		e.metrics.QueryOutcome(verifyOutcome(err))
		e.logger.Warn("rejected generated SQL", "db", dbName, "sql", draft.SQL, "error", err)
		return Answer{}, err
	}
	e.metrics.QueryOutcome("ok")

	columns, rows, err := runQuery(ctx, q, verified)
	if err != nil {
		return Answer{}, fmt.Errorf("executing query: %w", err)
	}

	answer := Answer{
		SQL:      verified,
		Model:    draft.Model,
		Columns:  columns,
		Rows:     rows,
		RowCount: len(rows),
		Tables:   tables,
		Elapsed:  time.Since(started),
	}
	e.logger.Info("question answered",
		"db", dbName, "rows", answer.RowCount, "elapsed", answer.Elapsed)
	return answer, nil
}

func runQuery(ctx context.Context, q catalog.Querier, sql string) ([]string, []map[string]any, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	out := []map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(values) {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return columns, out, rows.Err()
}

func verifyOutcome(err error) string {
	var multiErr *sqlguard.MultipleStatementsError
	var unsafeErr *sqlguard.UnsafeSQLError
	var costErr *sqlguard.CostLimitExceededError
	switch {
	case errors.As(err, &multiErr):
		return "multiple_statements"
	case errors.As(err, &unsafeErr):
		return "unsafe"
	case errors.As(err, &costErr):
		return "cost_limit"
	case errors.Is(err, sqlguard.ErrEmptyStatement):
		return "empty"
	default:
		return "error"
	}
}
