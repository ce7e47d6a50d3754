package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"skillgate/internal/clock"
	"skillgate/internal/domain"
	"skillgate/internal/repo"
)

// Scheduler periodically drives every proposal that is neither terminal nor
// parked at a human gate.
type Scheduler struct {
	Engine      Engine
	Clock       clock.Clock
	Interval    time.Duration
	Concurrency int
	Logger      *zap.Logger
}

func NewScheduler(e Engine) *Scheduler {
	return &Scheduler{
		Engine:      e,
		Clock:       e.Clock,
		Interval:    e.Config.Pipeline.PollInterval,
		Concurrency: e.Config.Pipeline.Concurrency,
		Logger:      e.Logger,
	}
}

// Run ticks immediately, then every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	clk := s.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger().Warn("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// Tick processes runnable proposals concurrently, oldest first. A failure on
// one proposal is logged and never stops the others.
func (s *Scheduler) Tick(ctx context.Context) error {
	notPending := false
	ps, err := s.Engine.Repo.ListProposals(ctx, repo.ProposalFilter{
		Pending:       &notPending,
		ExcludeStatus: []string{domain.StatusAccepted, domain.StatusRejected},
		OldestFirst:   true,
	})
	if err != nil {
		return err
	}
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, p := range ps {
		id := p.ID
		g.Go(func() error {
			if _, err := s.Engine.Process(ctx, id); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
				s.logger().Warn("process proposal failed", zap.String("proposal", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	if _, err := s.Engine.CheckStale(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
