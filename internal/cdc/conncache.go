package cdc

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schemapilot/schemapilot/internal/log"
)

// ConnectionCacheError reports a failure to reach or track a tenant
// database.
type ConnectionCacheError struct {
	Tenant string
	Err    error
}

func (e *ConnectionCacheError) Error() string {
	return fmt.Sprintf("connection cache: tenant %q: %v", e.Tenant, e.Err)
}

func (e *ConnectionCacheError) Unwrap() error { return e.Err }

// ListenerFactory builds a Listener for a freshly opened tenant pool.
type ListenerFactory func(dbName string, pool *pgxpool.Pool) *Listener

// ConnCache lazily opens one pgx pool per tenant database and optionally
// runs one change listener on top of each. Pools and listeners live until
// Close.
type ConnCache struct {
	dsnFor      func(tenant string) (string, error)
	newListener ListenerFactory
	logger      log.Logger

	mu        sync.Mutex
	pools     map[string]*pgxpool.Pool
	listeners map[string]*attachedListener
	closed    bool
}

type attachedListener struct {
	listener *Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConnCache creates a cache. dsnFor maps a tenant name to its DSN.
func NewConnCache(dsnFor func(string) (string, error), newListener ListenerFactory, logger log.Logger) *ConnCache {
	return &ConnCache{
		dsnFor:      dsnFor,
		newListener: newListener,
		logger:      logger,
		pools:       make(map[string]*pgxpool.Pool),
		listeners:   make(map[string]*attachedListener),
	}
}

// Pool returns the tenant's pool, opening and ping-checking it on first use.
func (c *ConnCache) Pool(ctx context.Context, tenant string) (*pgxpool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poolLocked(ctx, tenant)
}

func (c *ConnCache) poolLocked(ctx context.Context, tenant string) (*pgxpool.Pool, error) {
	if c.closed {
		return nil, &ConnectionCacheError{Tenant: tenant, Err: fmt.Errorf("cache closed")}
	}
	if pool, ok := c.pools[tenant]; ok {
		return pool, nil
	}

	dsn, err := c.dsnFor(tenant)
	if err != nil {
		return nil, &ConnectionCacheError{Tenant: tenant, Err: err}
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &ConnectionCacheError{Tenant: tenant, Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &ConnectionCacheError{Tenant: tenant, Err: err}
	}

	c.pools[tenant] = pool
	c.logger.Info("opened tenant pool", "tenant", tenant)
	return pool, nil
}

// Attach starts a change listener for the tenant. It reports false with no
// error when one is already running, so repeated attach requests are cheap
// no-ops. The listener stops when ctx ends or the cache closes.
func (c *ConnCache) Attach(ctx context.Context, tenant string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.listeners[tenant]; exists {
		return false, nil
	}

	pool, err := c.poolLocked(ctx, tenant)
	if err != nil {
		return false, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	attached := &attachedListener{
		listener: c.newListener(tenant, pool),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.listeners[tenant] = attached

	go func() {
		defer close(attached.done)
		attached.listener.Run(runCtx)
	}()
	return true, nil
}

// ListenerState returns the tenant's listener state, or StateIdle when no
// listener is attached.
func (c *ConnCache) ListenerState(tenant string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	attached, ok := c.listeners[tenant]
	if !ok {
		return StateIdle
	}
	return attached.listener.State()
}

// Tenants returns the names of all cached tenant pools.
func (c *ConnCache) Tenants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.pools))
	for name := range c.pools {
		names = append(names, name)
	}
	return names
}

// Listeners returns the tenants with an attached change listener.
func (c *ConnCache) Listeners() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.listeners))
	for name := range c.listeners {
		names = append(names, name)
	}
	return names
}

// Close stops every listener, waits for them to finish and closes all pools.
func (c *ConnCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	listeners := c.listeners
	pools := c.pools
	c.listeners = map[string]*attachedListener{}
	c.pools = map[string]*pgxpool.Pool{}
	c.mu.Unlock()

	for _, attached := range listeners {
		attached.cancel()
	}
	for _, attached := range listeners {
		<-attached.done
	}
	for _, pool := range pools {
		pool.Close()
	}
}
