package columnstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	query string
	body  string
	user  string
	key   string
}

func newTestClient(t *testing.T, status int, response string) (*Client, *[]capturedRequest) {
	t.Helper()

	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured = append(captured, capturedRequest{
			query: r.URL.Query().Get("query"),
			body:  string(body),
			user:  r.Header.Get("X-ClickHouse-User"),
			key:   r.Header.Get("X-ClickHouse-Key"),
		})
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, "ch_user", "ch_pass", "webhooks"), &captured
}

func TestInsertRequests_JSONEachRow(t *testing.T) {
	client, captured := newTestClient(t, http.StatusOK, "ok")

	rows := []RequestRow{
		{EndpointID: "ep_1", Slug: "hooks-a", Method: "POST", ReceivedAt: "1.000"},
		{EndpointID: "ep_2", Slug: "hooks-a", Method: "GET", ReceivedAt: "2.000"},
	}
	require.NoError(t, client.InsertRequests(context.Background(), rows))

	require.Len(t, *captured, 1)
	got := (*captured)[0]
	assert.Equal(t, "INSERT INTO `webhooks`.`requests` FORMAT JSONEachRow", got.query)
	assert.Equal(t, "ch_user", got.user)
	assert.Equal(t, "ch_pass", got.key)

	lines := strings.Split(strings.TrimRight(got.body, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"endpoint_id":"ep_1"`)
	assert.Contains(t, lines[1], `"endpoint_id":"ep_2"`)
}

func TestInsertRequests_EmptyBatchIsNoop(t *testing.T) {
	client, captured := newTestClient(t, http.StatusOK, "ok")

	require.NoError(t, client.InsertRequests(context.Background(), nil))
	assert.Empty(t, *captured)
}

func TestInsertRequests_ErrorStatusSurfaces(t *testing.T) {
	client, _ := newTestClient(t, http.StatusInternalServerError, "Code: 241. DB::Exception")

	err := client.InsertRequests(context.Background(), []RequestRow{{Slug: "s"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestQueryRequests_ParsesDataArray(t *testing.T) {
	response := `{"data":[{"slug":"hooks-a","method":"POST","path":"/","headers":"{}","query_params":"{}","received_at":"1739800496.789"}]}`
	client, captured := newTestClient(t, http.StatusOK, response)

	results, err := client.QueryRequests(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "hooks-a", results[0].Slug)
	assert.InDelta(t, 1739800496789, results[0].ReceivedAt, 0.5)

	require.Len(t, *captured, 1)
	assert.Equal(t, "SELECT 1", (*captured)[0].body)
}

func TestDeleteOldRequests_BuildsMutation(t *testing.T) {
	client, captured := newTestClient(t, http.StatusOK, "ok")

	err := client.DeleteOldRequests(context.Background(), []string{"user_1", "user_2"}, 7)
	require.NoError(t, err)

	require.Len(t, *captured, 1)
	sql := (*captured)[0].body
	assert.Equal(t, "ALTER TABLE `webhooks`.`requests` DELETE WHERE user_id IN ('user_1', 'user_2') AND received_at < now() - INTERVAL 7 DAY", sql)
}

func TestDeleteOldRequests_EmptyUserListIsNoop(t *testing.T) {
	client, captured := newTestClient(t, http.StatusOK, "ok")

	require.NoError(t, client.DeleteOldRequests(context.Background(), nil, 7))
	assert.Empty(t, *captured)
}

func TestDeleteOldRequests_EscapesUserIDs(t *testing.T) {
	client, captured := newTestClient(t, http.StatusOK, "ok")

	hostile := `user'; DROP TABLE requests; --`
	require.NoError(t, client.DeleteOldRequests(context.Background(), []string{hostile}, 7))

	sql := (*captured)[0].body
	assert.Contains(t, sql, `'user\'; DROP TABLE requests; --'`)
	assert.NotContains(t, sql, "IN ('user';")
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			fmt.Fprint(w, "Ok.")
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "u", "p", "webhooks")
	assert.True(t, client.Ping(context.Background()))

	srv.Close()
	assert.False(t, client.Ping(context.Background()))
}

func TestEscapeString(t *testing.T) {
	assert.Equal(t, `plain`, EscapeString(`plain`))
	assert.Equal(t, `it\'s`, EscapeString(`it's`))
	assert.Equal(t, `a\\b`, EscapeString(`a\b`))
	assert.Equal(t, `\\\'`, EscapeString(`\'`))
}

func TestEscapeIdentifier(t *testing.T) {
	assert.Equal(t, "webhooks", EscapeIdentifier("webhooks"))
	assert.Equal(t, "a``b", EscapeIdentifier("a`b"))
}
