package httpapi

import "net/http"

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, response{Success: true, Message: "metrics disabled", Data: map[string]any{
			"generatedAt": "",
			"windowSize":  0,
			"stages":      []any{},
		}})
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true, Message: "turn stage latency", Data: s.metrics.SnapshotStages()})
}

func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetStages()
	respondJSON(w, http.StatusOK, response{Success: true, Message: "latency window reset"})
}
