package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/jsonx"
	"github.com/knowledge-graph-memory/internal/kernel"
	"github.com/knowledge-graph-memory/internal/pipeline"
	"github.com/knowledge-graph-memory/internal/query"
	"github.com/knowledge-graph-memory/internal/queue"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.kernel.GetHealth(r.Context()))
}

func (s *Server) handleReportInteraction(w http.ResponseWriter, r *http.Request) {
	var ev pipeline.Interaction
	if !s.readJSON(w, r, &ev) {
		return
	}
	if err := s.kernel.ReportInteraction(ev); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.kernel.Query(req))
}

func (s *Server) handleQueryNL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.kernel.QueryNL(r.Context(), req.Text))
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	var ev pipeline.Interaction
	if !s.readJSON(w, r, &ev) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.kernel.GetContext(r.Context(), ev))
}

func (s *Server) handleGetProbes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	turn, _ := strconv.Atoi(q.Get("turn"))
	req := queue.ProbeRequest{
		SessionID:       q.Get("session_id"),
		ActiveTopics:    splitCSV(q.Get("topics")),
		EntitiesInScope: splitCSV(q.Get("entities")),
		Channel:         q.Get("channel"),
		Turn:            turn,
	}
	item, err := s.kernel.GetProbes(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if item == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"probe": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"probe": item})
}

func (s *Server) handleProbeFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Deflected bool `json:"deflected"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.kernel.ProbeFeedback(r.Context(), id, req.Deflected); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleGetStarters(w http.ResponseWriter, r *http.Request) {
	max, _ := strconv.Atoi(r.URL.Query().Get("max"))
	items, err := s.kernel.GetStarters(r.Context(), r.URL.Query().Get("channel"), max)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"starters": items})
}

func (s *Server) handleUserCorrection(w http.ResponseWriter, r *http.Request) {
	var c kernel.Correction
	if !s.readJSON(w, r, &c) {
		return
	}
	if err := s.kernel.UserCorrection(c); err != nil {
		status := http.StatusBadRequest
		if graph.IsInvariantViolation(err) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	chain, err := s.kernel.GetProvenance(mux.Vars(r)["edge_id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.kernel.Snapshot(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleEntitySearch(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.kernel.SearchEntities(r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.kernel.AuditRecent(limit, audit.Kind(r.URL.Query().Get("kind")))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := jsonx.Unmarshal(body, v); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
