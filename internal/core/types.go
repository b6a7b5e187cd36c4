// Package core holds the wire types shared between the capture path,
// the control-plane client, and the background workers.
package core

import "time"

// NowMs returns the current time in milliseconds since the UNIX epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// MockResponse is the canned reply an endpoint owner can configure.
type MockResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// EndpointInfo is the control plane's metadata for a slug. A non-empty
// Error field means the entry is a sentinel, never a live endpoint.
type EndpointInfo struct {
	EndpointID   string            `json:"endpointId"`
	UserID       string            `json:"userId,omitempty"`
	IsEphemeral  bool              `json:"isEphemeral"`
	ExpiresAt    *int64            `json:"expiresAt,omitempty"`
	MockResponse *MockResponse     `json:"mockResponse,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// IsExpired reports whether the endpoint has an expiry in the past.
func (e *EndpointInfo) IsExpired() bool {
	return e.ExpiresAt != nil && *e.ExpiresAt < NowMs()
}

// QuotaResponse is the control plane's answer to a quota lookup.
type QuotaResponse struct {
	Error            string `json:"error,omitempty"`
	UserID           string `json:"userId,omitempty"`
	Remaining        int64  `json:"remaining"`
	Limit            int64  `json:"limit"`
	PeriodEnd        *int64 `json:"periodEnd,omitempty"`
	Plan             string `json:"plan,omitempty"`
	NeedsPeriodStart bool   `json:"needsPeriodStart"`
}

// CheckPeriodResponse is returned by the check-period action that starts
// a free user's billing period. A 429 body is also valid here.
type CheckPeriodResponse struct {
	Error      string `json:"error,omitempty"`
	Remaining  int64  `json:"remaining"`
	Limit      int64  `json:"limit"`
	PeriodEnd  *int64 `json:"periodEnd,omitempty"`
	RetryAfter *int64 `json:"retryAfter,omitempty"`
}

// UsersByPlanResponse is one page of the paginated user listing.
type UsersByPlanResponse struct {
	Error      string   `json:"error,omitempty"`
	UserIDs    []string `json:"userIds"`
	NextCursor string   `json:"nextCursor,omitempty"`
	Done       bool     `json:"done"`
}

// BufferedRequest is a captured webhook as it sits in the KV buffer
// between the capture handler and the flush workers.
type BufferedRequest struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body,omitempty"`
	QueryParams map[string]string `json:"queryParams"`
	IP          string            `json:"ip"`
	ReceivedAt  int64             `json:"receivedAt"`
}

// BatchPayload is the body of a capture-batch POST to the control plane.
type BatchPayload struct {
	Slug     string            `json:"slug"`
	Requests []BufferedRequest `json:"requests"`
}

// CaptureResponse is the control plane's answer to a capture-batch POST.
type CaptureResponse struct {
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	Inserted     int           `json:"inserted"`
	MockResponse *MockResponse `json:"mockResponse,omitempty"`
}
