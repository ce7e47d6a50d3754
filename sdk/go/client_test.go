package skillgatesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsBearerAndDecodes(t *testing.T) {
	var seen *http.Request
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"p1","slug":"weather","status":"accepted","pending":false}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	p, err := c.Approve(context.Background(), "weather", true, "ok")
	require.NoError(t, err)
	assert.Equal(t, "accepted", p.Status)
	assert.Equal(t, "/v0/proposals/weather/approve", seen.URL.Path)
	assert.Equal(t, "Bearer tok", seen.Header.Get("Authorization"))
	assert.Equal(t, map[string]any{"force": true, "reason": "ok"}, body)
}

func TestClientEventsQuery(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"id":3,"type":"proposal.accepted","payload":{"slug":"a"}}],"next_cursor":"3"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	page, err := c.Events(context.Background(), EventQuery{Type: "proposal.accepted", Limit: 1, Cursor: "9"})
	require.NoError(t, err)
	assert.Equal(t, "cursor=9&limit=1&type=proposal.accepted", query)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a", page.Items[0].Payload["slug"])
	assert.Equal(t, "3", page.NextCursor)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"not_pending","message":"proposal is not waiting for a decision"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").Approve(context.Background(), "p1", false, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "not_pending", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "not_pending")
}
