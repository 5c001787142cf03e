package server

import (
	"fmt"
	"net/http"

	"chainvault/internal/api"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	status := http.StatusOK
	resp := api.HealthResponse{
		Status:        "active",
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
		Timestamp:     now,
	}
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.log().Error("health check: database unreachable", "error", err)
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/health", http.StatusFound)
}

func (s *Server) handleFavicon(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeErrorReq(w, r, http.StatusNotFound, makeAPIError(http.StatusNotFound, "not_found", ErrCodeNotFound,
		fmt.Errorf("no route for %s %s", r.Method, r.URL.Path)))
}
