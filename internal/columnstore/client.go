// Package columnstore is the HTTP client for the analytical column
// store (ClickHouse wire-compatible): bulk JSONEachRow inserts of
// captured requests, bounded search queries, and retention mutations.
package columnstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Query responses are capped at 10 MiB.
const maxResponseSize = 10 << 20

// Client talks to one column-store endpoint. Safe for concurrent use.
type Client struct {
	http     *http.Client
	baseURL  string
	user     string
	password string
	database string
}

// NewClient builds a client. database must already be validated against
// [A-Za-z0-9_]+ at boot; it is still backtick-escaped defensively.
func NewClient(baseURL, user, password, database string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
			},
		},
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		database: database,
	}
}

func (c *Client) newRequest(ctx context.Context, rawURL, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-ClickHouse-User", c.user)
	req.Header.Set("X-ClickHouse-Key", c.password)
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

// InsertRequests bulk-inserts rows via INSERT ... FORMAT JSONEachRow.
// An empty batch is a no-op.
func (c *Client) InsertRequests(ctx context.Context, rows []RequestRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf("INSERT INTO `%s`.`requests` FORMAT JSONEachRow", EscapeIdentifier(c.database))

	var body strings.Builder
	body.Grow(len(rows) * 512)
	for i := range rows {
		line, err := json.Marshal(&rows[i])
		if err != nil {
			return fmt.Errorf("serialize row: %w", err)
		}
		body.Write(line)
		body.WriteByte('\n')
	}

	u := c.baseURL + "?" + url.Values{"query": {query}}.Encode()
	req, err := c.newRequest(ctx, u, "application/json", strings.NewReader(body.String()))
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("column store insert failed (%d): %s", resp.StatusCode, text)
	}
	return nil
}

// QueryRequests runs a SELECT and parses the JSON `data` array. The
// response is rejected above 10 MiB, before buffering when the store
// sends Content-Length and again after the read for chunked replies.
func (c *Client) QueryRequests(ctx context.Context, sql string) ([]SearchResult, error) {
	u := c.baseURL + "?" + url.Values{"default_format": {"JSON"}}.Encode()
	req, err := c.newRequest(ctx, u, "text/plain", strings.NewReader(sql))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("column store query failed (%d): %s", resp.StatusCode, text)
	}

	if resp.ContentLength > maxResponseSize {
		return nil, fmt.Errorf("column store response too large: Content-Length %d bytes (max %d)", resp.ContentLength, maxResponseSize)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("column store response too large: %d bytes (max %d)", len(body), maxResponseSize)
	}

	var parsed struct {
		Data []ResponseRow `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Data))
	for i := range parsed.Data {
		results = append(results, ResultFromRow(&parsed.Data[i]))
	}
	return results, nil
}

// DeleteOldRequests issues a retention mutation removing rows older than
// retentionDays for the given users. An empty user list is a no-op.
func (c *Client) DeleteOldRequests(ctx context.Context, userIDs []string, retentionDays int) error {
	sql, ok := buildDeleteSQL(c.database, userIDs, retentionDays)
	if !ok {
		return nil
	}

	req, err := c.newRequest(ctx, c.baseURL, "text/plain", strings.NewReader(sql))
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("column store delete failed (%d): %s", resp.StatusCode, text)
	}
	return nil
}

// Ping reports whether the column store answers within 3 seconds.
func (c *Client) Ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// EscapeString escapes a value for a single-quoted SQL string literal:
// backslash and single quote are the only characters that can break out.
func EscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// EscapeIdentifier escapes a backtick-quoted identifier.
func EscapeIdentifier(s string) string {
	return strings.ReplaceAll(s, "`", "``")
}

func buildDeleteSQL(database string, userIDs []string, retentionDays int) (string, bool) {
	if len(userIDs) == 0 {
		return "", false
	}

	quoted := make([]string, len(userIDs))
	for i, id := range userIDs {
		quoted[i] = "'" + EscapeString(id) + "'"
	}

	sql := fmt.Sprintf(
		"ALTER TABLE `%s`.`requests` DELETE WHERE user_id IN (%s) AND received_at < now() - INTERVAL %d DAY",
		EscapeIdentifier(database),
		strings.Join(quoted, ", "),
		retentionDays,
	)
	return sql, true
}
