package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"skillgate/internal/domain"
	"skillgate/internal/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func TestSchedulerTickDrivesRunnableProposals(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for _, slug := range []string{"alarm", "timer", "weather"} {
		p, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
			Slug: slug, Name: slug, Description: "a " + slug, Capabilities: []string{"user:output"},
		})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	sched := engine.NewScheduler(env.Engine)
	sched.Concurrency = 2
	require.NoError(t, sched.Tick(env.Ctx))

	for _, id := range ids {
		p, err := env.Engine.Get(env.Ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusHumanReview, p.Status)
		require.True(t, p.Pending)
	}
	require.Equal(t, 3, env.Generator.count())

	// parked proposals are left alone
	require.NoError(t, sched.Tick(env.Ctx))
	require.Equal(t, 3, env.Generator.count())
	require.Len(t, env.Notifier.asked, 3)
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	sched := engine.NewScheduler(env.Engine)
	sched.Interval = time.Minute

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool { return env.Clock.Waiters() == 1 }, time.Second, time.Millisecond)
	p, err := env.Engine.Submit(env.Ctx, weather())
	require.NoError(t, err)
	env.Clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		got, err := env.Engine.Get(env.Ctx, p.ID)
		return err == nil && got.Pending
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
