package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/hookgate/receiver/internal/core"
	"github.com/hookgate/receiver/internal/kv"
	"github.com/hookgate/receiver/internal/metrics"
)

const (
	maxHeaderKeyLen   = 256
	maxHeaderValueLen = 8192
	maxIPLen          = 45
)

// Headers added by the CDN / reverse proxy in front of the receiver.
// They are not part of the sender's request and are never stored.
var proxyHeaders = map[string]bool{
	"accept-encoding":   true,
	"cdn-loop":          true,
	"cf-connecting-ip":  true,
	"cf-ipcountry":      true,
	"cf-ray":            true,
	"cf-visitor":        true,
	"via":               true,
	"x-forwarded-for":   true,
	"x-forwarded-host":  true,
	"x-forwarded-proto": true,
	"x-real-ip":         true,
	"true-client-ip":    true,
}

// Response headers that mock responses must never set.
var blockedMockHeaders = map[string]bool{
	"set-cookie":                true,
	"strict-transport-security": true,
	"content-security-policy":   true,
	"x-frame-options":           true,
}

// IsValidSlug reports whether s is 1-50 characters of [A-Za-z0-9_-].
func IsValidSlug(s string) bool {
	if len(s) == 0 || len(s) > 50 {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		if (b < 'a' || b > 'z') && (b < 'A' || b > 'Z') && (b < '0' || b > '9') && b != '-' && b != '_' {
			return false
		}
	}
	return true
}

// realIP extracts the client IP from proxy headers and sanitizes it to
// the characters valid in IPv4/IPv6 literals, so a spoofed header can
// never smuggle markup into storage.
func realIP(h http.Header) string {
	var raw string
	switch {
	case h.Get("Cf-Connecting-Ip") != "":
		raw = h.Get("Cf-Connecting-Ip")
	case h.Get("X-Real-Ip") != "":
		raw = h.Get("X-Real-Ip")
	case h.Get("X-Forwarded-For") != "":
		raw, _, _ = strings.Cut(h.Get("X-Forwarded-For"), ",")
		raw = strings.TrimSpace(raw)
	default:
		return ""
	}

	if len(raw) > maxIPLen {
		return ""
	}
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		isHex := (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
		if !isHex && b != '.' && b != ':' && b != '[' && b != ']' && b != '%' {
			return ""
		}
	}
	return raw
}

// cfConnectingIP is the dedup identity: the CDN's view of the client,
// falling back to the sanitized proxy-header chain.
func cfConnectingIP(h http.Header) string {
	if ip := h.Get("Cf-Connecting-Ip"); ip != "" {
		return ip
	}
	return realIP(h)
}

// Capture is the per-request state machine behind ANY /w/{slug} and
// ANY /w/{slug}/{path}: validate, resolve endpoint, expiry, quota,
// dedup, buffer, then mock response or 200 OK.
func (s *State) Capture(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	slug := vars["slug"]

	if !IsValidSlug(slug) {
		metrics.CapturesTotal.WithLabelValues("invalid_slug").Inc()
		writeError(w, http.StatusBadRequest, "invalid_slug")
		return
	}

	path := vars["path"]
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	// The router's body limit caps this read at 100 KiB.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		body = nil
	}

	ctx := r.Context()

	// Endpoint resolution: cache first, then a blocking fetch. A cached
	// not_found answers immediately; a fetch failure buffers
	// optimistically so a control plane outage never drops live ingress.
	endpoint := s.Store.GetEndpoint(ctx, slug)
	if endpoint != nil && endpoint.Error == "not_found" {
		metrics.CapturesTotal.WithLabelValues("not_found").Inc()
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if endpoint == nil {
		// Warm the quota in the background so step 3 rarely blocks.
		go func(slug string) {
			warmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.CP.FetchQuota(warmCtx, slug); err != nil {
				slog.Debug("background quota warm failed", "slug", slug, "error", err)
			}
		}(slug)

		endpoint, err = s.CP.FetchEndpoint(ctx, slug)
		if err != nil {
			slog.Warn("blocking endpoint fetch failed", "slug", slug, "error", err)
			s.bufferRequest(ctx, slug, r, path, body)
			metrics.CapturesTotal.WithLabelValues("ok").Inc()
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
			return
		}
		if endpoint == nil {
			metrics.CapturesTotal.WithLabelValues("not_found").Inc()
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
	}

	if endpoint.IsExpired() {
		metrics.CapturesTotal.WithLabelValues("expired").Inc()
		writeError(w, http.StatusGone, "expired")
		return
	}

	// Quota: atomic check-and-decrement; on a cold cache, block-fetch
	// and re-run. Still-missing quota fails open rather than dropping
	// live traffic.
	switch s.Store.CheckQuota(ctx, slug, endpoint.UserID) {
	case kv.QuotaAllowed:
		metrics.QuotaDecisions.WithLabelValues("allowed").Inc()
	case kv.QuotaExceeded:
		metrics.QuotaDecisions.WithLabelValues("exceeded").Inc()
		metrics.CapturesTotal.WithLabelValues("quota_exceeded").Inc()
		writeError(w, http.StatusTooManyRequests, "quota_exceeded")
		return
	case kv.QuotaNotFound:
		if err := s.CP.FetchQuota(ctx, slug); err != nil {
			slog.Warn("blocking quota fetch failed", "slug", slug, "error", err)
		}
		switch s.Store.CheckQuota(ctx, slug, endpoint.UserID) {
		case kv.QuotaAllowed:
			metrics.QuotaDecisions.WithLabelValues("allowed").Inc()
		case kv.QuotaExceeded:
			metrics.QuotaDecisions.WithLabelValues("exceeded").Inc()
			metrics.CapturesTotal.WithLabelValues("quota_exceeded").Inc()
			writeError(w, http.StatusTooManyRequests, "quota_exceeded")
			return
		case kv.QuotaNotFound:
			metrics.QuotaDecisions.WithLabelValues("fail_open").Inc()
			slog.Warn("quota still not found after blocking fetch, failing open", "slug", slug)
		}
	}

	// Dedup: an identical request inside the window skips the buffer but
	// must present the same surface behavior.
	clientIP := cfConnectingIP(r.Header)
	if !s.Store.CheckDedup(ctx, slug, r.Method, path, body, clientIP) {
		slog.Debug("duplicate request detected, skipping buffer", "slug", slug)
		metrics.CapturesTotal.WithLabelValues("duplicate").Inc()
		s.respond(w, endpoint)
		return
	}

	s.bufferRequest(ctx, slug, r, path, body)

	if endpoint.MockResponse != nil {
		metrics.CapturesTotal.WithLabelValues("mock").Inc()
	} else {
		metrics.CapturesTotal.WithLabelValues("ok").Inc()
	}
	s.respond(w, endpoint)
}

func (s *State) respond(w http.ResponseWriter, endpoint *core.EndpointInfo) {
	if endpoint.MockResponse != nil {
		writeMockResponse(w, endpoint.MockResponse)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *State) bufferRequest(ctx context.Context, slug string, r *http.Request, path string, body []byte) {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if proxyHeaders[lower] || len(values) == 0 {
			continue
		}
		headers[lower] = values[0]
	}

	queryParams := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			queryParams[name] = values[0]
		}
	}

	buffered := core.BufferedRequest{
		Method:      r.Method,
		Path:        path,
		Headers:     headers,
		Body:        string(body),
		QueryParams: queryParams,
		IP:          realIP(r.Header),
		ReceivedAt:  core.NowMs(),
	}

	s.Store.PushRequest(ctx, slug, &buffered)
}

// writeMockResponse replies with the endpoint's canned response. Headers
// are dropped when oversized, blocklisted, or carrying CR/LF; a bad
// status code falls back to 200.
func writeMockResponse(w http.ResponseWriter, mock *core.MockResponse) {
	status := mock.Status
	if status < 100 || status > 999 {
		status = http.StatusOK
	}

	for key, value := range mock.Headers {
		if len(key) > maxHeaderKeyLen || len(value) > maxHeaderValueLen {
			continue
		}
		if blockedMockHeaders[strings.ToLower(key)] {
			continue
		}
		if strings.ContainsAny(key, "\r\n") || strings.ContainsAny(value, "\r\n") {
			continue
		}
		w.Header().Set(key, value)
	}

	w.WriteHeader(status)
	w.Write([]byte(mock.Body))
}
