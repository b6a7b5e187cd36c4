// Package handlers implements the receiver's HTTP surface: the public
// capture endpoint and health check, plus the authenticated internal
// endpoints for search and cache invalidation.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/hookgate/receiver/internal/columnstore"
	"github.com/hookgate/receiver/internal/config"
	"github.com/hookgate/receiver/internal/controlplane"
	"github.com/hookgate/receiver/internal/kv"
)

// State is the shared application state handed to every handler. All
// fields are goroutine-safe handles.
type State struct {
	Store *kv.Store
	CP    *controlplane.Client
	// CS is nil when the column store is not configured.
	CS     *columnstore.Client
	Config *config.Config
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
