package inbox_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"skillgate/internal/clock"
	"skillgate/internal/domain"
	"skillgate/internal/engine"
	"skillgate/internal/inbox"
	"skillgate/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const sample = `proposal:
  id: 7d0c4c1e-5f43-4a0e-9a57-1d9d1f0b6b1a
  slug: weather-report
  name: Weather report
  description: Reports the local weather
  capabilities:
    - network:read
    - user:output
  dependencies: []
  handles_events:
    - weather_query
  rationale: asked three times
  user_context:
    - "user: what's the weather"
    - "agent: I can't check that"
  generated_by: proposer
  generated_at: "2024-01-01T10:00:00+00:00"
status: new
history:
  - timestamp: "2024-01-01T10:00:00+00:00"
    status: new
    actor: proposer
`

type fakeSubmitter struct {
	mu   sync.Mutex
	seen map[string]engine.SubmitOptions
}

func (f *fakeSubmitter) Submit(_ context.Context, opts engine.SubmitOptions) (domain.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]engine.SubmitOptions{}
	}
	if _, dup := f.seen[opts.ID]; dup {
		return domain.Proposal{}, repo.ErrConflict
	}
	f.seen[opts.ID] = opts
	return domain.Proposal{ID: opts.ID, Slug: opts.Slug}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func TestParseNestedProposalBlock(t *testing.T) {
	opts, err := inbox.Parse([]byte(sample))
	require.NoError(t, err)
	require.Equal(t, "weather-report", opts.Slug)
	require.Equal(t, []string{"network:read", "user:output"}, opts.Capabilities)
	require.Equal(t, []string{"weather_query"}, opts.HandledEvents)
	require.Contains(t, opts.UserContext, "what's the weather")
	require.Equal(t, "proposer", opts.ActorID)

	_, err = inbox.Parse([]byte("status: new\n"))
	require.Error(t, err)
	_, err = inbox.Parse([]byte("proposal: {slug: x}\nstatus: accepted\n"))
	require.Error(t, err)
}

func TestScanMovesFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("proposed_weather-report_20240101_100000.yaml", sample)
	write("proposed_broken_20240101_100001.yaml", "proposal: [")
	write("notes.txt", "ignored")

	sub := &fakeSubmitter{}
	w := inbox.NewWatcher(dir, sub, nil)
	n, err := w.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, sub.count())
	require.FileExists(t, filepath.Join(dir, "processed", "proposed_weather-report_20240101_100000.yaml"))
	require.FileExists(t, filepath.Join(dir, "failed", "proposed_broken_20240101_100001.yaml"))
	require.FileExists(t, filepath.Join(dir, "notes.txt"))

	// the same proposal dropped again is not submitted twice
	write("proposed_weather-report_20240101_100500.yaml", sample)
	n, err = w.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, sub.count())
	require.NoFileExists(t, filepath.Join(dir, "proposed_weather-report_20240101_100500.yaml"))
}

func TestRunPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	w := inbox.NewWatcher(dir, sub, nil)
	w.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proposed_weather-report_20240101_100000.yaml"), []byte(sample), 0o644))
	require.Eventually(t, func() bool { return sub.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestRunWaitsForQuietPeriodOnClock(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	w := inbox.NewWatcher(dir, sub, nil)
	w.Clock = fake
	w.Debounce = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// the ticker exists once the directory is watched
	require.Eventually(t, func() bool { return fake.Waiters() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proposed_weather-report_20240101_100000.yaml"), []byte(sample), 0o644))

	// no time passes, so the file stays pending
	require.Never(t, func() bool { return sub.count() > 0 }, 200*time.Millisecond, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		fake.Advance(w.Debounce / 2)
		return sub.count() == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.FileExists(t, filepath.Join(dir, "processed", "proposed_weather-report_20240101_100000.yaml"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestMatch(t *testing.T) {
	require.True(t, inbox.Match("/x/proposed_a_1.yaml"))
	require.False(t, inbox.Match("/x/proposed_a_1.yml"))
	require.False(t, inbox.Match("/x/a.yaml"))
}
