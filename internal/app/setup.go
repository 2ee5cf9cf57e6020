package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/schemapilot/schemapilot/internal/broadcast"
	"github.com/schemapilot/schemapilot/internal/cdc"
	"github.com/schemapilot/schemapilot/internal/config"
	"github.com/schemapilot/schemapilot/internal/database"
	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/observability"
	"github.com/schemapilot/schemapilot/internal/schemaindex"
)

// Setup initializes the shared runtime: embedding provider, vector index,
// fan-out bus, metrics and the tenant connection cache.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	// On error, release everything already initialized.
	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Metrics = observability.New(a.Registry)

	a.Bus = broadcast.New(logger)
	observability.RegisterSubscriberGauge(a.Registry, func() float64 {
		return float64(a.Bus.SubscriberCount())
	})

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	a.Embedder = provideEmbedder(g, cfg)
	if a.Embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}

	embed := schemaindex.NewEmbedFunc(a.Embedder)
	index, indexPool, err := buildIndex(ctx, cfg, embed, logger)
	if err != nil {
		return nil, err
	}
	a.indexPool = indexPool
	a.Store = schemaindex.NewStore(index, logger)

	a.Cache = cdc.NewConnCache(cfg.TenantDSN, func(dbName string, pool *pgxpool.Pool) *cdc.Listener {
		return cdc.NewListener(pool, dbName, a.Store, a.Bus, a.Metrics, logger)
	}, logger)

	return a, nil
}

// provideGenkit initializes Genkit with the configured embedding provider.
// Supports gemini (default) and ollama.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = "gemini"
	}

	var g *genkit.Genkit

	switch provider {
	case "ollama":
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit embedder registration (no auto-discovery).
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized genkit with ollama provider",
			"embedder", cfg.EmbedderModel, "host", cfg.OllamaHost)

	case "gemini":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized genkit with gemini provider", "embedder", cfg.EmbedderModel)

	default:
		return nil, fmt.Errorf("unknown embedding provider %q", provider)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the provider plugin.
// Ollama keys embedders by server address, gemini by model name.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	if cfg.Provider == "ollama" {
		return ollama.Embedder(g, cfg.OllamaHost)
	}
	return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
}

// buildIndex constructs the configured vector index backend. The pgvector
// backend opens its own pool against the base database and migrates it; the
// returned pool is non-nil only in that case.
func buildIndex(ctx context.Context, cfg *config.Config, embed schemaindex.EmbedFunc,
	logger log.Logger) (schemaindex.VectorIndex, *pgxpool.Pool, error) {
	switch cfg.VectorBackend {
	case config.BackendChromem:
		return schemaindex.NewChromemIndex(cfg.StoreDir, embed, logger), nil, nil

	case config.BackendPGVector:
		if err := database.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, nil, fmt.Errorf("migrating index database: %w", err)
		}
		pool, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("opening index database: %w", err)
		}
		return schemaindex.NewPGVectorIndex(pool, embed, logger), pool, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.VectorBackend)
	}
}
