package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/schemapilot/schemapilot/internal/cdc"
	"github.com/schemapilot/schemapilot/internal/engine"
	"github.com/schemapilot/schemapilot/internal/httpx"
	"github.com/schemapilot/schemapilot/internal/sqlguard"
)

type queryRequest struct {
	Question string `json:"question"`
	DB       string `json:"db"`
}

type queryResponse struct {
	SQL       string             `json:"sql"`
	Model     string             `json:"model"`
	Columns   []string           `json:"columns"`
	Rows      []map[string]any   `json:"rows"`
	RowCount  int                `json:"row_count"`
	Tables    []engine.TableRef  `json:"tables"`
	ElapsedMS int64              `json:"elapsed_ms"`
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Question == "" {
		httpx.WriteError(w, http.StatusBadRequest, "question is required")
		return
	}
	dbName := req.DB
	if dbName == "" {
		dbName = s.cfg.DefaultDB
	}

	q, err := s.cfg.Tenants.Querier(r.Context(), dbName)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	answer, err := s.cfg.Engine.Ask(r.Context(), q, dbName, req.Question)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, queryResponse{
		SQL:       answer.SQL,
		Model:     answer.Model,
		Columns:   answer.Columns,
		Rows:      answer.Rows,
		RowCount:  answer.RowCount,
		Tables:    answer.Tables,
		ElapsedMS: answer.Elapsed.Milliseconds(),
	})
}

// writeQueryError maps pipeline failures onto HTTP statuses. Verification
// failures are the client's problem (the model wrote bad SQL for their
// question); infrastructure failures are ours.
func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	var unsafeErr *sqlguard.UnsafeSQLError
	var multiErr *sqlguard.MultipleStatementsError
	var costErr *sqlguard.CostLimitExceededError
	var cacheErr *cdc.ConnectionCacheError

	switch {
	case errors.As(err, &unsafeErr),
		errors.As(err, &multiErr),
		errors.As(err, &costErr),
		errors.Is(err, sqlguard.ErrEmptyStatement):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &cacheErr):
		httpx.WriteError(w, http.StatusBadGateway, err.Error())
	default:
		s.cfg.Logger.Error("query failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
