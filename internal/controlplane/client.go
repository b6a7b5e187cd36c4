// Package controlplane talks to the transactional control plane: a
// Convex HTTP-actions deployment that owns endpoint metadata, quotas,
// user listings, and the durable request log. Every call goes through
// the shared circuit breaker; responses are capped at 1 MiB.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hookgate/receiver/internal/core"
	"github.com/hookgate/receiver/internal/kv"
)

const (
	httpTimeout     = 30 * time.Second
	maxResponseSize = 1 << 20 // 1 MiB
)

// Client is the control-plane HTTP client. Safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	secret  string
	breaker *Breaker
	store   *kv.Store
}

// NewClient builds a client over the shared KV store. baseURL is the
// control plane's site URL; secret authenticates every call.
func NewClient(baseURL, secret string, store *kv.Store) *Client {
	return &Client{
		http: &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: baseURL,
		secret:  secret,
		breaker: NewBreaker(store),
		store:   store,
	}
}

// Breaker exposes the shared circuit breaker for workers and health.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// do runs one breaker-gated request and returns status + capped body.
// 5xx counts as a breaker failure; any other response proves the host
// reachable and counts as a success.
func (c *Client) do(ctx context.Context, req *http.Request) (int, []byte, error) {
	if !c.breaker.Allow(ctx) {
		return 0, nil, &Error{Kind: KindCircuitOpen}
	}

	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailureAsync()
		return 0, nil, &Error{Kind: KindNetwork, Detail: err.Error()}
	}
	defer resp.Body.Close()

	// Reject oversized responses before buffering when Content-Length is
	// present; the post-read check below covers chunked responses.
	if resp.ContentLength > maxResponseSize {
		c.recordFailureAsync()
		return 0, nil, &Error{Kind: KindResponseTooLarge}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		c.recordFailureAsync()
		return 0, nil, &Error{Kind: KindNetwork, Detail: err.Error()}
	}
	if len(body) > maxResponseSize {
		c.recordFailureAsync()
		return 0, nil, &Error{Kind: KindResponseTooLarge}
	}

	if resp.StatusCode >= 500 {
		c.recordFailureAsync()
		return resp.StatusCode, body, &Error{Kind: KindServerError, Status: resp.StatusCode, Detail: string(body)}
	}

	c.recordSuccessAsync()
	return resp.StatusCode, body, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, &Error{Kind: KindNetwork, Detail: err.Error()}
	}
	return c.do(ctx, req)
}

func (c *Client) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, &Error{Kind: KindParseError, Detail: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, &Error{Kind: KindNetwork, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, req)
}

// FetchEndpoint fetches endpoint metadata for a slug and caches live
// entries. Returns (nil, nil) when the control plane declares the slug
// unknown; negative answers are never cached.
func (c *Client) FetchEndpoint(ctx context.Context, slug string) (*core.EndpointInfo, error) {
	status, body, err := c.get(ctx, "/endpoint-info", url.Values{"slug": {slug}})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &Error{Kind: KindClientError, Status: status, Detail: string(body)}
	}

	var info core.EndpointInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &Error{Kind: KindParseError, Detail: err.Error()}
	}

	if info.Error == "" {
		c.store.SetEndpoint(ctx, slug, &info)
	}
	if info.Error == "not_found" {
		return nil, nil
	}
	return &info, nil
}

// FetchQuota fetches the quota for a slug and writes it into the KV.
// Free users whose billing period has not started get a check-period
// follow-up; its answer (including quota_exceeded) seeds the cache.
func (c *Client) FetchQuota(ctx context.Context, slug string) error {
	status, body, err := c.get(ctx, "/quota", url.Values{"slug": {slug}})
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &Error{Kind: KindClientError, Status: status, Detail: string(body)}
	}

	var quota core.QuotaResponse
	if err := json.Unmarshal(body, &quota); err != nil {
		return &Error{Kind: KindParseError, Detail: err.Error()}
	}
	if quota.Error == "not_found" {
		return nil
	}

	periodEnd := func(p *int64) int64 {
		if p != nil {
			return *p
		}
		return 0
	}

	if quota.NeedsPeriodStart && quota.UserID != "" {
		if period, err := c.callCheckPeriod(ctx, quota.UserID); err == nil {
			switch period.Error {
			case "":
				c.store.SetQuota(ctx, slug, period.Remaining, period.Limit, periodEnd(period.PeriodEnd), false, quota.UserID)
				return nil
			case "quota_exceeded":
				c.store.SetQuota(ctx, slug, 0, period.Limit, periodEnd(period.PeriodEnd), false, quota.UserID)
				return nil
			}
			// Other errors fall through to the original quota response.
		}
	}

	isUnlimited := quota.Remaining == -1
	c.store.SetQuota(ctx, slug, quota.Remaining, quota.Limit, periodEnd(quota.PeriodEnd), isUnlimited, quota.UserID)
	return nil
}

// callCheckPeriod starts a free user's billing period. Both 200 and 429
// carry parseable bodies.
func (c *Client) callCheckPeriod(ctx context.Context, userID string) (*core.CheckPeriodResponse, error) {
	status, body, err := c.post(ctx, "/check-period", map[string]string{"userId": userID})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusTooManyRequests {
		return nil, &Error{Kind: KindClientError, Status: status, Detail: string(body)}
	}

	var period core.CheckPeriodResponse
	if err := json.Unmarshal(body, &period); err != nil {
		return nil, &Error{Kind: KindParseError, Detail: err.Error()}
	}
	return &period, nil
}

// ListUsersByPlan returns one page of user IDs on the given plan.
func (c *Client) ListUsersByPlan(ctx context.Context, plan, cursor string, limit int) (*core.UsersByPlanResponse, error) {
	query := url.Values{"plan": {plan}, "limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	status, body, err := c.get(ctx, "/users-by-plan", query)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &Error{Kind: KindClientError, Status: status, Detail: string(body)}
	}

	var page core.UsersByPlanResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &Error{Kind: KindParseError, Detail: err.Error()}
	}
	return &page, nil
}

// CaptureBatch posts a drained batch to the control plane.
func (c *Client) CaptureBatch(ctx context.Context, slug string, batch []core.BufferedRequest) (*core.CaptureResponse, error) {
	status, body, err := c.post(ctx, "/capture-batch", core.BatchPayload{Slug: slug, Requests: batch})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &Error{Kind: KindClientError, Status: status, Detail: string(body)}
	}

	var resp core.CaptureResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: KindParseError, Detail: err.Error()}
	}
	return &resp, nil
}

// Breaker updates are fire-and-forget so the KV round-trip never sits on
// the caller's response path. Each carries its own deadline.
func (c *Client) recordFailureAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.breaker.RecordFailure(ctx)
	}()
}

func (c *Client) recordSuccessAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.breaker.RecordSuccess(ctx)
	}()
}
