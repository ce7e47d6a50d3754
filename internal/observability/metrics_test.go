package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))

	implicit := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	implicit.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/y", nil))

	out := scrape(t)
	assert.Contains(t, out, `skillgate_http_requests_total{method="POST",status="418"}`)
	assert.Contains(t, out, `skillgate_http_requests_total{method="PUT",status="200"}`)
}

func TestPipelineCounters(t *testing.T) {
	RecordEscalation()
	RecordAttempt("generate", false)
	RecordDenial("http_request")

	out := scrape(t)
	assert.Contains(t, out, "skillgate_pipeline_escalations_total")
	assert.Contains(t, out, `skillgate_collaborator_attempts_total{result="error",step="generate"}`)
	assert.Contains(t, out, `skillgate_guard_denials_total{interaction="http_request"}`)
}
