// Package app wires configuration, the embedding provider, the vector index
// and the tenant connection cache into the shared runtime both binaries use.
package app

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/schemapilot/schemapilot/internal/broadcast"
	"github.com/schemapilot/schemapilot/internal/catalog"
	"github.com/schemapilot/schemapilot/internal/cdc"
	"github.com/schemapilot/schemapilot/internal/config"
	"github.com/schemapilot/schemapilot/internal/engine"
	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/nl2sql"
	"github.com/schemapilot/schemapilot/internal/observability"
	"github.com/schemapilot/schemapilot/internal/schemaindex"
)

// App holds the initialized runtime. Call Close to release it.
type App struct {
	Config   *config.Config
	Logger   log.Logger
	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	Store    *schemaindex.Store
	Cache    *cdc.ConnCache
	Bus      *broadcast.Broadcaster
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	// indexPool backs the pgvector index; nil on the chromem backend.
	indexPool *pgxpool.Pool
}

// Close stops all listeners and closes every pool the app opened.
func (a *App) Close() {
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.indexPool != nil {
		a.indexPool.Close()
	}
}

// Tenants adapts the connection cache to the per-request tenant lookup the
// API server performs. A tenant's pool satisfies the catalog querier.
type Tenants struct {
	cache *cdc.ConnCache
}

// Tenants returns the tenant resolver backed by the app's connection cache.
func (a *App) Tenants() *Tenants {
	return &Tenants{cache: a.Cache}
}

// Querier returns a live querier for the tenant, opening its pool on first
// use.
func (t *Tenants) Querier(ctx context.Context, tenant string) (catalog.Querier, error) {
	return t.cache.Pool(ctx, tenant)
}

// NewEngine builds the question pipeline on top of the app's store. Only the
// API binary calls this; the worker never talks to the translator.
func (a *App) NewEngine() (*engine.Engine, error) {
	translator, err := nl2sql.NewOpenAITranslator(a.Config.Translator)
	if err != nil {
		return nil, fmt.Errorf("creating translator: %w", err)
	}
	return engine.New(a.Store, translator, a.Metrics, a.Logger, engine.Config{
		TopK:      a.Config.TopK,
		RowLimit:  a.Config.RowLimit,
		CostGuard: a.Config.CostGuard,
		CostLimit: a.Config.CostLimit,
	}), nil
}
