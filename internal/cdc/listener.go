package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schemapilot/schemapilot/internal/broadcast"
	"github.com/schemapilot/schemapilot/internal/catalog"
	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/observability"
	"github.com/schemapilot/schemapilot/internal/schemaindex"
)

// State is the listener's lifecycle phase, reported on the status endpoint.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateStopped    State = "stopped"
)

// waitSlice bounds each WaitForNotification call so the loop notices context
// cancellation promptly.
const waitSlice = time.Second

// reconnectDelay paces reconnect attempts after a broken listen connection.
const reconnectDelay = time.Second

// Listener consumes schema change notifications for one tenant database.
type Listener struct {
	pool    *pgxpool.Pool
	querier catalog.Querier
	dbName  string
	store   *schemaindex.Store
	bus     *broadcast.Broadcaster
	metrics *observability.Metrics
	logger  log.Logger

	mu    sync.Mutex
	state State
}

// NewListener creates a listener for the tenant reachable through pool.
// metrics may be nil.
func NewListener(pool *pgxpool.Pool, dbName string, store *schemaindex.Store,
	bus *broadcast.Broadcaster, metrics *observability.Metrics, logger log.Logger) *Listener {
	return &Listener{
		pool:    pool,
		querier: pool,
		dbName:  dbName,
		store:   store,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("db", dbName),
		state:   StateIdle,
	}
}

// State returns the current lifecycle phase.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run listens until ctx is done. Connection loss, undecodable payloads and
// failed refreshes are logged and survived; the loop only exits with the
// context.
func (l *Listener) Run(ctx context.Context) {
	defer l.setState(StateStopped)

	for ctx.Err() == nil {
		if err := l.listenOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("listen connection lost, reconnecting", "error", err)
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
			}
		}
	}
}

// listenOnce holds one dedicated connection and pumps notifications off it
// until the connection breaks or ctx ends.
func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return err
	}
	l.setState(StateListening)
	l.logger.Info("listening for schema changes")

	for {
		waitCtx, cancel := context.WithTimeout(ctx, waitSlice)
		notification, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()

		switch {
		case err == nil:
			l.handle(ctx, notification.Payload)
			l.setState(StateListening)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			// Quiet slice; keep waiting.
		default:
			return err
		}
	}
}

// handle processes one notification payload end to end.
func (l *Listener) handle(ctx context.Context, payload string) {
	ev, err := decodeEvent(payload)
	if err != nil {
		l.metrics.DecodeFailed()
		l.logger.Warn("dropping schema change notification", "error", err)
		return
	}
	if ev.DB == "" {
		ev.DB = l.dbName
	}

	l.setState(StateProcessing)
	removed, err := l.store.RefreshTable(ctx, l.querier, l.dbName, ev.Schema, ev.Table)
	if err != nil {
		l.logger.Error("schema refresh failed", "table", ev.Schema+"."+ev.Table, "error", err)
		return
	}
	l.metrics.EventProcessed()
	l.logger.Info("schema change applied",
		"table", ev.Schema+"."+ev.Table, "command", ev.Command, "removed", removed)

	data, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("encoding change event", "error", err)
		return
	}
	l.bus.Publish(data)
}
