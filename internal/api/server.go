// Package api implements the question-answering HTTP service. It runs the
// ask pipeline against tenant databases and proxies control operations to
// the schema worker.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schemapilot/schemapilot/internal/catalog"
	"github.com/schemapilot/schemapilot/internal/engine"
	"github.com/schemapilot/schemapilot/internal/httpx"
	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/worker"
)

// TenantQueriers resolves a tenant name to something the pipeline can query.
type TenantQueriers interface {
	Querier(ctx context.Context, tenant string) (catalog.Querier, error)
}

// WorkerAPI is the slice of the worker client the proxy endpoints need.
type WorkerAPI interface {
	Status(ctx context.Context) (worker.Status, error)
	SetDB(ctx context.Context, name string) (worker.SetDBResult, error)
	AddListener(ctx context.Context, name string) (worker.AddListenerResult, error)
	RefreshEmbeddings(ctx context.Context, name, schema, table string) (worker.RefreshResult, error)
}

// ServerConfig assembles the API server's dependencies.
type ServerConfig struct {
	Logger    log.Logger
	Engine    *engine.Engine
	Tenants   TenantQueriers
	Worker    WorkerAPI // nil disables the worker proxy routes
	DefaultDB string
	Gatherer  prometheus.Gatherer // nil disables /metrics
}

// Server is the JSON API HTTP server.
type Server struct {
	cfg     ServerConfig
	handler http.Handler
}

// NewServer wires all routes.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Tenants == nil {
		return nil, errors.New("tenant queriers are required")
	}

	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/query", s.query)
	if cfg.Worker != nil {
		mux.HandleFunc("GET /api/worker/status", s.workerStatus)
		mux.HandleFunc("POST /api/worker/set_db", s.workerSetDB)
		mux.HandleFunc("POST /api/worker/listener", s.workerAddListener)
		mux.HandleFunc("POST /api/worker/refresh_embeddings", s.workerRefresh)
	}
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", s.health)
	topMux.HandleFunc("GET /ready", s.ready)
	topMux.Handle("/", httpx.Chain(mux, httpx.Recovery(cfg.Logger), httpx.Logging(cfg.Logger)))

	s.handler = topMux
	return s, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready reports whether the service can answer queries. With a worker
// configured that means the worker is reachable.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Worker != nil {
		if _, err := s.cfg.Worker.Status(r.Context()); err != nil {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  "worker unreachable",
			})
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
