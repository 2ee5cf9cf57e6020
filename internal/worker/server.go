package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schemapilot/schemapilot/internal/broadcast"
	"github.com/schemapilot/schemapilot/internal/catalog"
	"github.com/schemapilot/schemapilot/internal/cdc"
	"github.com/schemapilot/schemapilot/internal/httpx"
	"github.com/schemapilot/schemapilot/internal/log"
)

// Controller is the operation set the control surface needs. *State
// implements it; tests substitute a fake.
type Controller interface {
	ActiveDB() string
	SetDB(ctx context.Context, name string) (previous string, err error)
	Refresh(ctx context.Context, name, schema, table string) (tables, vectors int, err error)
	Attach(ctx context.Context, name string) (created bool, err error)
	Listeners() []string
	Status() Status
}

// SetDBResult is the response body of POST /set_db.
type SetDBResult struct {
	Status     string `json:"status"`
	ActiveDB   string `json:"active_db"`
	PreviousDB string `json:"previous_db"`
}

// AddListenerResult is the response body of POST /add_database_listener.
type AddListenerResult struct {
	Status          string   `json:"status"`
	Database        string   `json:"database"`
	ActiveListeners []string `json:"active_listeners"`
}

// RefreshResult is the response body of POST /refresh_embeddings.
type RefreshResult struct {
	Status          string `json:"status"`
	TablesProcessed int    `json:"tables_processed"`
	TotalVectors    int    `json:"total_vectors"`
}

// Server is the worker's HTTP control surface.
type Server struct {
	ctrl    Controller
	bus     *broadcast.Broadcaster
	logger  log.Logger
	handler http.Handler
}

// NewServer wires the control routes. gatherer serves GET /metrics and may
// be nil to disable it.
func NewServer(ctrl Controller, bus *broadcast.Broadcaster, gatherer prometheus.Gatherer, logger log.Logger) *Server {
	s := &Server{ctrl: ctrl, bus: bus, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /set_db", s.setDB)
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("POST /add_database_listener", s.addListener)
	mux.HandleFunc("POST /refresh_embeddings", s.refreshEmbeddings)
	mux.HandleFunc("GET /schema_events", s.schemaEvents)
	mux.HandleFunc("GET /healthz", s.healthz)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.handler = httpx.Chain(mux, httpx.Recovery(logger), httpx.Logging(logger))
	return s
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.handler }

type dbRequest struct {
	Database string `json:"database"`
	BaseURL  string `json:"base_url"` // accepted for contract parity, unused
}

type refreshRequest struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
}

func (s *Server) setDB(w http.ResponseWriter, r *http.Request) {
	var req dbRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Database == "" {
		httpx.WriteError(w, http.StatusBadRequest, "database is required")
		return
	}
	previous, err := s.ctrl.SetDB(r.Context(), req.Database)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, SetDBResult{
		Status:     "ok",
		ActiveDB:   req.Database,
		PreviousDB: previous,
	})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) addListener(w http.ResponseWriter, r *http.Request) {
	var req dbRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Database == "" {
		req.Database = s.ctrl.ActiveDB()
	}
	created, err := s.ctrl.Attach(r.Context(), req.Database)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	status := "ok"
	if !created {
		status = "exists"
	}
	httpx.WriteJSON(w, http.StatusOK, AddListenerResult{
		Status:          status,
		Database:        req.Database,
		ActiveListeners: s.ctrl.Listeners(),
	})
}

func (s *Server) refreshEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tables, vectors, err := s.ctrl.Refresh(r.Context(), req.Database, req.Schema, req.Table)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, RefreshResult{
		Status:          "ok",
		TablesProcessed: tables,
		TotalVectors:    vectors,
	})
}

var heartbeatPayload = []byte(`{"type":"heartbeat"}`)

// schemaEvents streams change events as Server-Sent Events, one
// "data: <json>" frame per event, heartbeats included.
func (s *Server) schemaEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, events := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)
	s.logger.Info("event stream opened", "subscriber", id)

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("event stream closed", "subscriber", id)
			return
		case msg, open := <-events:
			if !open {
				return
			}
			payload := msg.Data
			if msg.Kind == broadcast.KindHeartbeat {
				payload = heartbeatPayload
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody parses a small JSON body, tolerating an empty one. It writes
// the error response itself and reports whether to continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeOpError maps operation failures onto HTTP statuses.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	var cacheErr *cdc.ConnectionCacheError
	var introspectionErr *catalog.IntrospectionError
	switch {
	case errors.As(err, &cacheErr):
		httpx.WriteError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &introspectionErr):
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	default:
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
