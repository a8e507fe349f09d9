package server

import "net/http"

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, map[string]any{
		"name":    "brisk",
		"version": "0.1.0",
		"endpoints": map[string]string{
			"health":      "/api/v1/health",
			"machines":    "/api/v1/machines",
			"workers":     "/api/v1/workers",
			"supervisors": "/api/v1/supervisors",
			"projects":    "/api/v1/projects",
			"runs":        "/api/v1/runs",
			"supervisor":  "/api/v1/supervisor",
			"split":       "/api/v1/split",
			"logs":        "/api/v1/logs/url",
		},
	})
}
