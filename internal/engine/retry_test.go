package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skillgate/internal/clock"
	"skillgate/internal/domain"
	"skillgate/internal/generate"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	r := RetryPolicy{Base: time.Second, Max: 5 * time.Second}
	var got []time.Duration
	for i := 1; i <= 5; i++ {
		got = append(got, r.Backoff(i))
	}
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, got)
}

func TestRetryWaitsBackoffOnClock(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	r := RetryPolicy{MaxAttempts: 3, Base: time.Second, Max: time.Minute, Clock: fake}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), "generate", func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
	}()
	for _, d := range []time.Duration{time.Second, 2 * time.Second} {
		require.Eventually(t, func() bool { return fake.Waiters() == 1 }, time.Second, time.Millisecond)
		fake.Advance(d)
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("retry did not finish")
	}
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentAndExhaustion(t *testing.T) {
	r := RetryPolicy{MaxAttempts: 4, Clock: clock.NewFake(time.Now())}
	calls := 0
	err := r.Do(context.Background(), "generate", func(context.Context) error {
		calls++
		return &generate.InfeasibleError{Reason: "needs a camera"}
	})
	require.True(t, generate.IsInfeasible(err))
	require.Equal(t, 1, calls)

	calls = 0
	err = r.Do(context.Background(), "scan", func(context.Context) error {
		calls++
		return errors.New("scanner crashed")
	})
	var tf *TransientInfraFailure
	require.ErrorAs(t, err, &tf)
	require.Equal(t, "scan", tf.Step)
	require.Equal(t, 4, tf.Attempts)
	require.Equal(t, 4, calls)
	kind, ok := rejectionFor(err)
	require.True(t, ok)
	require.Equal(t, domain.RejectTransient, kind)
}

func TestRetryAttemptTimeout(t *testing.T) {
	r := RetryPolicy{MaxAttempts: 2, Timeout: 10 * time.Millisecond, Clock: clock.NewFake(time.Now())}
	err := r.Do(context.Background(), "generate", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var tf *TransientInfraFailure
	require.ErrorAs(t, err, &tf)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProposalTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{domain.StatusNew, domain.StatusDiscovered, true},
		{domain.StatusAgentReview, domain.StatusHumanReview, true},
		{domain.StatusHumanReview, domain.StatusAccepted, true},
		{domain.StatusDiscovered, domain.StatusRejected, true},
		{domain.StatusNew, domain.StatusImplementation, false},
		{domain.StatusAgentReview, domain.StatusAccepted, false},
		{domain.StatusImplementation, domain.StatusDiscovered, false},
		{domain.StatusAccepted, domain.StatusRejected, false},
		{domain.StatusRejected, domain.StatusNew, false},
	}
	for _, c := range cases {
		err := ensureProposalTransition(c.from, c.to)
		if c.ok {
			require.NoError(t, err, "%s -> %s", c.from, c.to)
		} else {
			require.Error(t, err, "%s -> %s", c.from, c.to)
		}
	}
	require.ErrorIs(t, ensureProposalTransition(domain.StatusAccepted, domain.StatusRejected), ErrTerminal)
}

func TestInflightAllowsOneDriver(t *testing.T) {
	e := Engine{inflight: &inflight{ids: map[string]struct{}{}}}
	unlock, err := e.lock("p-1")
	require.NoError(t, err)
	_, err = e.lock("p-1")
	require.ErrorIs(t, err, ErrBusy)
	_, err = e.lock("p-2")
	require.NoError(t, err)
	unlock()
	_, err = e.lock("p-1")
	require.NoError(t, err)
}
