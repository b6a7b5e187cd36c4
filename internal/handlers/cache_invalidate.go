package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// CacheInvalidate evicts both the endpoint and quota caches for a slug.
// Internal endpoint; bearer-token authenticated.
func (s *State) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if !VerifyBearerToken(r.Header.Get("Authorization"), s.Config.CaptureSharedSecret) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	slug := mux.Vars(r)["slug"]
	if !IsValidSlug(slug) {
		writeError(w, http.StatusBadRequest, "invalid_slug")
		return
	}

	ctx := r.Context()
	s.Store.EvictEndpoint(ctx, slug)
	s.Store.EvictQuota(ctx, slug)
	slog.Debug("cache invalidated", "slug", slug)

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
