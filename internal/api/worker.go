package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/schemapilot/schemapilot/internal/httpx"
)

// The worker proxy gives API consumers one base URL for everything. Each
// handler forwards to the worker client and relays its result or failure.

func (s *Server) workerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Worker.Status(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

type workerRequest struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
}

func (s *Server) workerSetDB(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkerRequest(w, r)
	if !ok {
		return
	}
	if req.Database == "" {
		httpx.WriteError(w, http.StatusBadRequest, "database is required")
		return
	}
	result, err := s.cfg.Worker.SetDB(r.Context(), req.Database)
	if err != nil {
		httpx.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) workerAddListener(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkerRequest(w, r)
	if !ok {
		return
	}
	result, err := s.cfg.Worker.AddListener(r.Context(), req.Database)
	if err != nil {
		httpx.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) workerRefresh(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkerRequest(w, r)
	if !ok {
		return
	}
	result, err := s.cfg.Worker.RefreshEmbeddings(r.Context(), req.Database, req.Schema, req.Table)
	if err != nil {
		httpx.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func decodeWorkerRequest(w http.ResponseWriter, r *http.Request) (workerRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req workerRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return workerRequest{}, false
	}
	return req, true
}
