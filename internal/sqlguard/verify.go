// Package sqlguard vets generated SQL before it touches a tenant database.
//
// Verification is lexical, not syntactic: the statement is tokenized with full
// Postgres quoting rules and judged on its tokens, so a mutating keyword hidden
// in a CTE body is caught while the same word inside a string literal or a
// quoted identifier is not. Accepted statements come back with a row limit
// applied; the caller executes the returned text, never the input.
package sqlguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ErrEmptyStatement is returned for input with no tokens at all, comments and
// whitespace included.
var ErrEmptyStatement = errors.New("empty SQL statement")

// UnsafeSQLError reports a statement that is not a read-only query.
type UnsafeSQLError struct {
	Keyword string // offending keyword, upper case
	Reason  string
}

func (e *UnsafeSQLError) Error() string {
	if e.Keyword != "" {
		return fmt.Sprintf("unsafe SQL: statement contains %s", e.Keyword)
	}
	return "unsafe SQL: " + e.Reason
}

// MultipleStatementsError reports input containing more than one statement.
// Stacked statements are rejected outright rather than split, since the text
// comes from an external generator that was asked for exactly one query.
type MultipleStatementsError struct {
	Count int
}

func (e *MultipleStatementsError) Error() string {
	return fmt.Sprintf("expected a single SQL statement, got %d", e.Count)
}

// CostLimitExceededError reports a query whose planner estimate is over the
// configured ceiling.
type CostLimitExceededError struct {
	Cost  float64
	Limit float64
}

func (e *CostLimitExceededError) Error() string {
	return fmt.Sprintf("estimated query cost %.0f exceeds limit %.0f", e.Cost, e.Limit)
}

// Explainer runs EXPLAIN for the cost guard. *pgxpool.Pool satisfies it.
type Explainer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// mutatingKeywords are rejected wherever they appear as a word token, at any
// nesting depth. WITH ... AS (DELETE ...) makes depth-0-only checks useless.
var mutatingKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true,
	"DROP": true, "ALTER": true, "TRUNCATE": true,
	"GRANT": true, "REVOKE": true, "CREATE": true,
	"MERGE": true, "CALL": true, "COPY": true,
}

// leadingKeywords are the verbs a statement may start with.
var leadingKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "EXPLAIN": true,
	"SHOW": true, "TABLE": true, "VALUES": true,
}

const defaultRowLimit = 1000

type verifyConfig struct {
	rowLimit  int
	autoLimit bool
	explainer Explainer
	costLimit float64
}

// Option configures Verify.
type Option func(*verifyConfig)

// WithRowLimit overrides the row cap appended to unbounded queries.
func WithRowLimit(n int) Option {
	return func(c *verifyConfig) { c.rowLimit = n }
}

// WithoutAutoLimit disables the row cap: unbounded queries pass through
// without a LIMIT appended. Safety checks still apply.
func WithoutAutoLimit() Option {
	return func(c *verifyConfig) { c.autoLimit = false }
}

// WithCostGuard enables planner-estimate checking. Accepted statements are
// run through EXPLAIN on e, and a total cost above limit rejects the query.
func WithCostGuard(e Explainer, limit float64) Option {
	return func(c *verifyConfig) {
		c.explainer = e
		c.costLimit = limit
	}
}

// Verify checks that input is a single read-only statement and returns the
// text to execute. Unbounded queries get " LIMIT n" appended unless
// WithoutAutoLimit is set; queries that already carry a top-level LIMIT or
// FETCH come back unchanged, so verifying a previously verified statement is
// a no-op.
func Verify(ctx context.Context, input string, opts ...Option) (string, error) {
	cfg := verifyConfig{rowLimit: defaultRowLimit, autoLimit: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	toks, err := tokenize(input)
	if err != nil {
		return "", &UnsafeSQLError{Reason: err.Error()}
	}
	if len(toks) == 0 {
		return "", ErrEmptyStatement
	}

	if n := countStatements(toks); n > 1 {
		return "", &MultipleStatementsError{Count: n}
	}

	first := toks[0]
	if first.kind != tokenWord || !leadingKeywords[first.upper()] {
		return "", &UnsafeSQLError{Reason: fmt.Sprintf("statement must start with a read-only verb, got %q", first.text)}
	}
	for _, t := range toks {
		if t.kind == tokenWord && mutatingKeywords[t.upper()] {
			return "", &UnsafeSQLError{Keyword: t.upper()}
		}
	}

	// Cut the text at the last real token. That drops trailing semicolons,
	// whitespace and comments in one go, so the appended LIMIT can never land
	// inside a line comment.
	for len(toks) > 0 && toks[len(toks)-1].kind == tokenSemicolon {
		toks = toks[:len(toks)-1]
	}
	last := toks[len(toks)-1]
	out := strings.TrimSpace(input[:last.pos+len(last.text)])
	if cfg.autoLimit && !hasRowBound(toks) {
		out += " LIMIT " + strconv.Itoa(cfg.rowLimit)
	}

	if cfg.explainer != nil {
		cost, err := explainCost(ctx, cfg.explainer, out)
		if err != nil {
			return "", fmt.Errorf("cost guard: %w", err)
		}
		if cost > cfg.costLimit {
			return "", &CostLimitExceededError{Cost: cost, Limit: cfg.costLimit}
		}
	}
	return out, nil
}

// countStatements counts semicolon-separated statements, ignoring trailing
// semicolons with nothing after them.
func countStatements(toks []token) int {
	count := 1
	pending := false
	for _, t := range toks {
		if t.kind == tokenSemicolon {
			pending = true
			continue
		}
		if pending {
			count++
			pending = false
		}
	}
	return count
}

// hasRowBound reports whether the statement already bounds its result set at
// the top level. LIMIT inside a subquery does not count.
func hasRowBound(toks []token) bool {
	for _, t := range toks {
		if t.kind != tokenWord || t.depth != 0 {
			continue
		}
		switch t.upper() {
		case "LIMIT", "FETCH":
			return true
		}
	}
	return false
}

// explainPlan mirrors the slice EXPLAIN (FORMAT JSON) produces.
type explainPlan struct {
	Plan struct {
		TotalCost float64 `json:"Total Cost"`
	} `json:"Plan"`
}

func explainCost(ctx context.Context, e Explainer, sql string) (float64, error) {
	rows, err := e.Query(ctx, "EXPLAIN (FORMAT JSON) "+sql)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, errors.New("EXPLAIN returned no rows")
	}
	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		return 0, err
	}

	var plans []explainPlan
	if err := json.Unmarshal(raw, &plans); err != nil {
		return 0, fmt.Errorf("decoding EXPLAIN output: %w", err)
	}
	if len(plans) == 0 {
		return 0, errors.New("EXPLAIN output held no plan")
	}
	return plans[0].Plan.TotalCost, nil
}
