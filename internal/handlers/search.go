package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/hookgate/receiver/internal/columnstore"
)

const (
	searchDefaultLimit = 50
	searchMaxLimit     = 200
	searchMaxOffset    = 10000
)

type searchParams struct {
	userID string
	plan   string
	slug   string
	method string
	q      string
	from   *int64
	to     *int64
	limit  int
	offset int
	order  string
}

// Search serves the internal read endpoint over the column store.
// Injection safety: every user-supplied string lands only inside a
// single-quoted literal with backslash and quote escaped; the slug is
// additionally regex-constrained; all numerics are parsed integers.
func (s *State) Search(w http.ResponseWriter, r *http.Request) {
	if !VerifyBearerToken(r.Header.Get("Authorization"), s.Config.CaptureSharedSecret) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if s.CS == nil {
		writeError(w, http.StatusServiceUnavailable, "search not available")
		return
	}

	params, err := parseSearchParams(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sql := buildSearchSQL(s.Config.ClickHouseDatabase, params)

	results, err := s.CS.QueryRequests(r.Context(), sql)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			writeError(w, http.StatusGatewayTimeout, "search query timed out")
			return
		}
		slog.Error("search query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search query failed")
		return
	}

	writeJSON(w, http.StatusOK, results)
}

func parseSearchParams(query url.Values) (*searchParams, error) {
	p := &searchParams{
		userID: query.Get("user_id"),
		plan:   query.Get("plan"),
		slug:   query.Get("slug"),
		method: query.Get("method"),
		q:      query.Get("q"),
		limit:  searchDefaultLimit,
		order:  "DESC",
	}

	if p.userID == "" {
		return nil, errors.New("user_id is required")
	}
	if p.plan != "" && p.plan != "free" && p.plan != "pro" {
		return nil, errors.New("invalid plan")
	}
	if p.slug != "" && !IsValidSlug(p.slug) {
		return nil, errors.New("invalid_slug")
	}

	parseMs := func(name string) (*int64, error) {
		v := query.Get(name)
		if v == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s", name)
		}
		return &n, nil
	}

	var err error
	if p.from, err = parseMs("from"); err != nil {
		return nil, err
	}
	if p.to, err = parseMs("to"); err != nil {
		return nil, err
	}

	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errors.New("invalid limit")
		}
		p.limit = min(n, searchMaxLimit)
	}
	if v := query.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errors.New("invalid offset")
		}
		p.offset = min(n, searchMaxOffset)
	}
	if query.Get("order") == "asc" {
		p.order = "ASC"
	}

	return p, nil
}

// tsLiteral renders epoch ms as a toDateTime64 argument using integer
// decomposition, avoiding float formatting entirely.
func tsLiteral(ms int64) string {
	return fmt.Sprintf("toDateTime64('%s', 3, 'UTC')", columnstore.EncodeTimestamp(ms))
}

func buildSearchSQL(database string, p *searchParams) string {
	esc := columnstore.EscapeString

	conditions := []string{fmt.Sprintf("user_id = '%s'", esc(p.userID))}

	if p.slug != "" {
		conditions = append(conditions, fmt.Sprintf("slug = '%s'", esc(p.slug)))
	}
	if p.method != "" && p.method != "ALL" {
		conditions = append(conditions, fmt.Sprintf("method = '%s'", esc(p.method)))
	}

	// multiSearchAny is exact-substring: no wildcard or regex metachars
	// to escape, and it rides the ngram skip indexes.
	if p.q != "" {
		escaped := esc(p.q)
		conditions = append(conditions, fmt.Sprintf(
			"(multiSearchAny(path, ['%s']) OR multiSearchAny(body, ['%s']) OR multiSearchAny(headers, ['%s']))",
			escaped, escaped, escaped,
		))
	}

	if p.from != nil {
		conditions = append(conditions, "received_at >= "+tsLiteral(*p.from))
	}
	if p.to != nil {
		conditions = append(conditions, "received_at <= "+tsLiteral(*p.to))
	}
	if p.plan == "free" {
		conditions = append(conditions, "received_at >= now() - INTERVAL 7 DAY")
	}

	return fmt.Sprintf(
		"SELECT endpoint_id, slug, user_id, method, path, headers, body, query_params, ip, content_type, size, is_ephemeral, received_at "+
			"FROM `%s`.`requests` WHERE %s ORDER BY received_at %s LIMIT %d OFFSET %d",
		columnstore.EscapeIdentifier(database),
		strings.Join(conditions, " AND "),
		p.order,
		p.limit,
		p.offset,
	)
}
