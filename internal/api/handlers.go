package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vauntico/vaultgate/internal/audit"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Integrations:  len(s.config.Integrations),
	})
}

// handleDBHealth handles GET /health/db (no auth). Unhealthy, including a
// pool timeout, answers 503.
func (s *Server) handleDBHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeError(w, http.StatusNotFound, "database not configured")
		return
	}

	h := s.deps.Health.CheckHealth(r.Context())
	resp := DBHealthResponse{Status: "ok", Pool: h.Stats}
	status := http.StatusOK
	if !h.Healthy {
		s.logger.Warn("database health check failed", "error", h.Error)
		resp.Status = "unavailable"
		resp.Error = "database unavailable"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleDBStats handles GET /db/stats.
func (s *Server) handleDBStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil {
		s.writeError(w, http.StatusNotFound, "database not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

// handleAuditList handles GET /audit?integration=&event_type=&result=&since=&until=&limit=.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		s.writeError(w, http.StatusNotFound, "audit reader not configured")
		return
	}

	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcomes, err := s.deps.Audit.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list audit outcomes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list audit outcomes")
		return
	}
	if outcomes == nil {
		outcomes = []audit.Outcome{}
	}
	respondJSON(w, http.StatusOK, AuditListResponse{Outcomes: outcomes, Count: len(outcomes)})
}

// handleAuditVerify handles GET /audit/verify. A broken chain answers 409.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chain == nil {
		s.writeError(w, http.StatusNotFound, "audit chain not available for this sink")
		return
	}

	report, err := s.deps.Chain.Verify(r.Context())
	if err != nil {
		s.logger.Error("audit chain verification failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to verify audit chain")
		return
	}
	status := http.StatusOK
	if !report.Valid {
		s.logger.Warn("audit chain broken", "broken_at", report.BrokenAt, "reason", report.Reason)
		status = http.StatusConflict
	}
	respondJSON(w, status, report)
}

type filterError string

func (e filterError) Error() string { return string(e) }

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Integration: q.Get("integration"),
		EventType:   q.Get("event_type"),
		Result:      audit.Result(q.Get("result")),
	}
	if f.Result != "" && !f.Result.Valid() {
		return f, filterError("invalid result filter")
	}

	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, filterError("since must be RFC3339")
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, filterError("until must be RFC3339")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return f, filterError("limit must be between 1 and 1000")
		}
		f.Limit = n
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: http.StatusText(statusCode), Message: message})
}
