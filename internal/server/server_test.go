package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"skillgate/internal/analyzer"
	"skillgate/internal/app"
	"skillgate/internal/capability"
	"skillgate/internal/domain"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	a, err := app.Bootstrap(context.Background(), app.Options{Workspace: t.TempDir(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	handler, err := New(Config{
		Engine:   a.Engine,
		Kernel:   a.Kernel,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actor string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals", nil, map[string]string{"X-Actor-Id": "bob"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with legacy header, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearer(t, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"slug":           "weather-report",
		"name":           "Weather report",
		"description":    "Reports the local weather",
		"capabilities":   []string{"user:output"},
		"handled_events": []string{"weather_query"},
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Proposal
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal proposal: %v", err)
	}
	if created.Status != domain.StatusNew || created.History[0].Actor != "alice" {
		t.Fatalf("unexpected proposal %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/weather-report/approve", nil, auth)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "not_pending" {
		t.Fatalf("expected not_pending, got %d %s", res.StatusCode, string(data))
	}

	if _, err := srv.App.Engine.Process(context.Background(), created.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals?status=human-review", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list listProposals
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || !list.Items[0].Pending {
		t.Fatalf("expected one pending proposal, got %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals/"+created.ID+"/review", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review status %d: %s", res.StatusCode, string(data))
	}
	var review struct {
		Analysis *analyzer.Report `json:"analysis"`
		Scan     *struct {
			Pass bool `json:"pass"`
		} `json:"scan"`
	}
	_ = json.Unmarshal(data, &review)
	if review.Analysis == nil || review.Analysis.Recommendation != analyzer.Clean || review.Scan == nil || !review.Scan.Pass {
		t.Fatalf("unexpected review %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+created.ID+"/approve", map[string]any{"reason": "looks fine"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var accepted domain.Proposal
	_ = json.Unmarshal(data, &accepted)
	if accepted.Status != domain.StatusAccepted {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+created.ID+"/reject", map[string]any{"reason": "late"}, auth)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "terminal" {
		t.Fatalf("expected terminal conflict, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals/"+created.ID+"/history", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d", res.StatusCode)
	}
	var hist listHistory
	_ = json.Unmarshal(data, &hist)
	if last := hist.Items[len(hist.Items)-1]; last.Status != domain.StatusAccepted || last.Actor != "alice" {
		t.Fatalf("unexpected last history entry %+v", last)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/manifest", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("manifest status %d", res.StatusCode)
	}
	var m ManifestResponse
	_ = json.Unmarshal(data, &m)
	if len(m.Running.Skills) != 4 || len(m.Staged.Skills) != 5 || m.Staged.Version != 2 {
		t.Fatalf("unexpected manifests %+v", m)
	}
}

func TestRejectAndRevise(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearer(t, "alice")

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"slug": "timer", "name": "Timer", "description": "Sets timers", "capabilities": []string{"user:output"},
	}, auth)
	var created domain.Proposal
	_ = json.Unmarshal(data, &created)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+created.ID+"/revise", map[string]any{}, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict revising a live proposal, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/timer/reject", map[string]any{"reason": "duplicate"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+created.ID+"/revise", map[string]any{"description": "Sets kitchen timers"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("revise status %d: %s", res.StatusCode, string(data))
	}
	var rev domain.Proposal
	_ = json.Unmarshal(data, &rev)
	if rev.RevisionOf == nil || *rev.RevisionOf != created.ID || rev.Description != "Sets kitchen timers" {
		t.Fatalf("unexpected revision %+v", rev)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals/nope", nil, auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestAnalyzeAndGuard(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearer(t, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/analyze", map[string]any{"capabilities": []string{"network:write"}}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(data))
	}
	var report analyzer.Report
	_ = json.Unmarshal(data, &report)
	if report.Recommendation != analyzer.Block {
		t.Fatalf("expected BLOCK, got %+v", report)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/analyze", map[string]any{"capabilities": []string{"shell:exec"}}, auth)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "unknown_capability" {
		t.Fatalf("expected unknown_capability, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/guard/check", map[string]any{"component": "memory", "interaction": "user_input"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("guard status %d: %s", res.StatusCode, string(data))
	}
	var d capability.Decision
	_ = json.Unmarshal(data, &d)
	if d.Allowed || len(d.Missing) != 1 || d.Missing[0] != "user:input" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearer(t, "alice")

	for _, slug := range []string{"a", "b", "c"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
			"slug": slug, "name": slug, "description": slug, "capabilities": []string{"user:output"},
		}, auth)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit %s: %d %s", slug, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=proposal.submitted&limit=2", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=proposal.submitted&limit=2&cursor="+page.NextCursor, nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d", res.StatusCode)
	}
	var next paginatedEvents
	_ = json.Unmarshal(data, &next)
	if len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", next)
	}
	if next.Items[0].Payload["slug"] != "a" {
		t.Fatalf("expected oldest submission last, got %+v", next.Items[0])
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}
