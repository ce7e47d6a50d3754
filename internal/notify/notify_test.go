package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"skillgate/internal/clock"
	"skillgate/internal/config"
	"skillgate/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var proposal = domain.Proposal{ID: "p-1", Slug: "weather", Capabilities: []string{"network:read"}}

func TestLogLeavesApprovalPending(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := Log{Logger: zap.New(core)}
	d, err := n.RequestApproval(context.Background(), proposal, domain.StatusHumanReview, Review{Escalated: true, Reasons: []string{"scan failed"}})
	require.NoError(t, err)
	assert.Equal(t, VerdictPending, d.Verdict)
	entries := logs.FilterMessage("approval required").All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["escalated"])
}

func TestConsoleAnswers(t *testing.T) {
	cases := map[string]Verdict{
		"y\n":     VerdictApprove,
		"no\n":    VerdictReject,
		"later\n": VerdictPending,
		"":        VerdictPending,
	}
	for input, want := range cases {
		var out bytes.Buffer
		c := &Console{In: strings.NewReader(input), Out: &out, Actor: "ops"}
		d, err := c.RequestApproval(context.Background(), proposal, domain.StatusHumanReview, Review{})
		require.NoError(t, err, input)
		assert.Equal(t, want, d.Verdict, input)
		assert.Contains(t, out.String(), "awaits approval at human-review")
		if want != VerdictPending {
			assert.Equal(t, "ops", d.Actor)
		}
	}
}

type fixed struct {
	d      Decision
	err    error
	called int
}

func (f *fixed) Notify(context.Context, domain.Proposal, string, string) error { return f.err }

func (f *fixed) RequestApproval(context.Context, domain.Proposal, string, Review) (Decision, error) {
	f.called++
	return f.d, f.err
}

func TestMultiFirstDecisionWins(t *testing.T) {
	broken := &fixed{err: errors.New("down")}
	pending := &fixed{d: Pending()}
	approve := &fixed{d: Decision{Verdict: VerdictApprove, Actor: "a"}}
	never := &fixed{d: Decision{Verdict: VerdictReject}}
	m := Multi{broken, pending, approve, never}

	d, err := m.RequestApproval(context.Background(), proposal, "human-review", Review{})
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, d.Verdict)
	assert.Equal(t, 0, never.called)

	d, err = Multi{broken, pending}.RequestApproval(context.Background(), proposal, "human-review", Review{})
	assert.Error(t, err)
	assert.Equal(t, VerdictPending, d.Verdict)
	assert.Error(t, m.Notify(context.Background(), proposal, "accepted", "done"))
}

type memSource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *memSource) add(typ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, domain.Event{ID: int64(len(s.events) + 1), Type: typ, EntityKind: "proposal", EntityID: "p-1", Payload: `{"to":"accepted"}`})
}

func (s *memSource) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.Event
	for _, e := range s.events {
		if e.ID > cursor && len(res) < limit {
			res = append(res, e)
		}
	}
	return res, nil
}

func (s *memSource) LatestEventID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

func TestDispatcherDeliversFilteredEventsOnce(t *testing.T) {
	var mu sync.Mutex
	var got []string
	var sigs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		got = append(got, evt.Type)
		sigs = append(sigs, strings.TrimPrefix(r.Header.Get("X-Skillgate-Signature"), "sha256=")+"|"+Sign("s3cret", body))
		mu.Unlock()
	}))
	defer srv.Close()

	src := &memSource{}
	src.add("proposal.submitted")
	d := NewDispatcher(src, []config.WebhookConfig{{URL: srv.URL, Events: []string{"proposal.accepted"}, Secret: "s3cret"}}, clock.NewFake(time.Unix(0, 0)), nil)
	ctx := context.Background()

	d.DispatchAll(ctx) // cursor starts after the existing event
	src.add("proposal.accepted")
	src.add("proposal.transitioned")
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"proposal.accepted"}, got)
	parts := strings.Split(sigs[0], "|")
	require.Equal(t, parts[1], parts[0])
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	src := &memSource{}
	d := NewDispatcher(src, []config.WebhookConfig{{URL: srv.URL}}, nil, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)
	src.add("proposal.rejected")
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestDispatcherRunStopsWithContext(t *testing.T) {
	src := &memSource{}
	fake := clock.NewFake(time.Unix(0, 0))
	d := NewDispatcher(src, []config.WebhookConfig{{URL: "http://127.0.0.1:1"}}, fake, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	for fake.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	fake.Advance(d.Interval)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
