package escalation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"govtech/internal/domain"
	"govtech/internal/metrics"
)

// Sweeper is the engine's escalation sweep.
type Sweeper interface {
	SweepEscalations(ctx context.Context, now time.Time) ([]domain.EscalationEvent, error)
}

// Syncer brings the step source up to date before a sweep.
type Syncer interface {
	Sync(ctx context.Context) (int, error)
}

type Scheduler struct {
	Sweeper Sweeper
	// Guard defaults to a LocalGuard shared by every run of this Scheduler.
	Guard    Guard
	Sync     Syncer
	Interval time.Duration
	Now      func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Recorder

	once  sync.Once
	local *LocalGuard
}

func (s *Scheduler) guard() Guard {
	if s.Guard != nil {
		return s.Guard
	}
	s.once.Do(func() { s.local = &LocalGuard{} })
	return s.local
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RunOnce performs one guarded sweep. ran is false when another sweep holds
// the guard.
func (s *Scheduler) RunOnce(ctx context.Context) ([]domain.EscalationEvent, bool, error) {
	return s.RunAt(ctx, s.now())
}

// RunAt is RunOnce evaluated at a given instant.
func (s *Scheduler) RunAt(ctx context.Context, now time.Time) (out []domain.EscalationEvent, ran bool, err error) {
	release, ok, err := s.guard().TryAcquire(ctx)
	if err != nil {
		s.Metrics.Sweep("failed")
		return nil, false, err
	}
	if !ok {
		s.Metrics.Sweep("skipped")
		s.logger().Debug("escalation sweep skipped, guard held elsewhere")
		return nil, false, nil
	}
	defer release()

	if s.Sync != nil {
		if _, err := s.Sync.Sync(ctx); err != nil {
			s.logger().Warn("projection sync before sweep failed", zap.Error(err))
		}
	}
	out, err = s.Sweeper.SweepEscalations(ctx, now)
	if err != nil {
		s.Metrics.Sweep("failed")
		return out, true, err
	}
	s.Metrics.Sweep("ran")
	if len(out) > 0 {
		s.logger().Info("escalation sweep finished", zap.Int("escalated", len(out)))
	}
	return out, true, nil
}

// Run sweeps on every tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.logger().Info("escalation scheduler started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger().Warn("escalation sweep failed", zap.Error(err))
		}
	}
}
