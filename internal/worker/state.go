// Package worker implements the schema worker: the process that owns tenant
// connections, keeps schema indexes current through change notifications and
// exposes a small control surface over HTTP.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/schemapilot/schemapilot/internal/broadcast"
	"github.com/schemapilot/schemapilot/internal/cdc"
	"github.com/schemapilot/schemapilot/internal/config"
	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/observability"
	"github.com/schemapilot/schemapilot/internal/schemaindex"
)

// Status is the worker's self-description on GET /status.
type Status struct {
	Status            string    `json:"status"`
	ActiveDB          string    `json:"active_db"`
	ListenerState     cdc.State `json:"listener_state"`
	VectorBackend     string    `json:"vector_backend"`
	CachedConnections []string  `json:"cached_connections"`
	Subscribers       int       `json:"subscribers"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
}

// State carries the worker's mutable runtime state and implements the
// operations behind the control surface.
type State struct {
	cfg     *config.Config
	store   *schemaindex.Store
	cache   *cdc.ConnCache
	bus     *broadcast.Broadcaster
	metrics *observability.Metrics
	logger  log.Logger

	// runCtx bounds listener lifetimes; attach requests must outlive the
	// HTTP request that triggered them.
	runCtx    context.Context
	startedAt time.Time

	mu       sync.RWMutex
	activeDB string
}

// NewState creates worker state. runCtx is the worker's lifetime context.
func NewState(runCtx context.Context, cfg *config.Config, store *schemaindex.Store,
	cache *cdc.ConnCache, bus *broadcast.Broadcaster, metrics *observability.Metrics,
	logger log.Logger) *State {
	return &State{
		cfg:       cfg,
		store:     store,
		cache:     cache,
		bus:       bus,
		metrics:   metrics,
		logger:    logger,
		runCtx:    runCtx,
		startedAt: time.Now(),
		activeDB:  cfg.BaseDatabase(),
	}
}

// ActiveDB returns the database new requests default to.
func (s *State) ActiveDB() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeDB
}

// SetDB switches the active database and returns the one it replaced. The
// tenant must be reachable and gets an index built if it has none yet.
func (s *State) SetDB(ctx context.Context, name string) (string, error) {
	pool, err := s.cache.Pool(ctx, name)
	if err != nil {
		return "", err
	}
	if err := s.store.EnsureIndex(ctx, pool, name, false); err != nil {
		return "", err
	}

	s.mu.Lock()
	previous := s.activeDB
	s.activeDB = name
	s.mu.Unlock()
	s.logger.Info("active database switched", "db", name, "previous", previous)
	return previous, nil
}

// Refresh rebuilds embeddings and reports tables processed and vectors
// written. With table set only that table is re-read and upserted, or removed
// when it no longer exists; otherwise the whole index is rebuilt. An empty
// name targets the active database.
func (s *State) Refresh(ctx context.Context, name, schema, table string) (tables, vectors int, err error) {
	if name == "" {
		name = s.ActiveDB()
	}
	pool, err := s.cache.Pool(ctx, name)
	if err != nil {
		return 0, 0, err
	}

	if table != "" {
		if schema == "" {
			schema = "public"
		}
		removed, err := s.store.RefreshTable(ctx, pool, name, schema, table)
		if err != nil {
			return 0, 0, err
		}
		if removed {
			return 1, 0, nil
		}
		return 1, 1, nil
	}

	started := time.Now()
	n, err := s.store.Rebuild(ctx, pool, name)
	if err != nil {
		return 0, 0, err
	}
	s.metrics.ObserveRebuild(time.Since(started))
	return n, n, nil
}

// Listeners returns the tenants with a running change listener.
func (s *State) Listeners() []string {
	return s.cache.Listeners()
}

// Attach starts a change listener for the tenant. It reports false when one
// is already running. An empty name targets the active database.
func (s *State) Attach(_ context.Context, name string) (bool, error) {
	if name == "" {
		name = s.ActiveDB()
	}
	return s.cache.Attach(s.runCtx, name)
}

// Status summarizes the worker.
func (s *State) Status() Status {
	active := s.ActiveDB()
	return Status{
		Status:            "ok",
		ActiveDB:          active,
		ListenerState:     s.cache.ListenerState(active),
		VectorBackend:     s.cfg.VectorBackend,
		CachedConnections: s.cache.Tenants(),
		Subscribers:       s.bus.SubscriberCount(),
		UptimeSeconds:     time.Since(s.startedAt).Seconds(),
	}
}
