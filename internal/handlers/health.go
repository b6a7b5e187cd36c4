package handlers

import (
	"net/http"

	"github.com/hookgate/receiver/internal/kv"
)

// Health reports the circuit state: 200 while closed, 503 otherwise.
func (s *State) Health(w http.ResponseWriter, r *http.Request) {
	circuit := s.CP.Breaker().State(r.Context())

	status := http.StatusOK
	label := "ok"
	if circuit != kv.CircuitClosed {
		status = http.StatusServiceUnavailable
		label = "degraded"
	}

	writeJSON(w, status, map[string]string{
		"status":  label,
		"circuit": string(circuit),
	})
}
