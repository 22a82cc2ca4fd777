package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

const DefaultCron = "0 3 * * *"

// Pruner deletes ingestion-log rows created before a cutoff.
type Pruner interface {
	PruneIngestions(ctx context.Context, before time.Time) (int64, error)
}

type Scheduler struct {
	pruner Pruner
	cron   string
	period time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func New(pruner Pruner, cronExpr string, period time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	if period <= 0 {
		return nil, fmt.Errorf("retention period must be positive, got %s", period)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{pruner: pruner, cron: cronExpr, period: period, logger: logger, now: time.Now}, nil
}

// RunOnce prunes everything older than the retention period.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.period)
	removed, err := s.pruner.PruneIngestions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ingestions: %w", err)
	}
	s.logger.Info("retention run finished", "cutoff", cutoff.UTC(), "removed", removed)
	return removed, nil
}

// Next returns the first scheduled run strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Start runs the scheduler in the background until ctx is done or the
// returned cancel func is called.
func (s *Scheduler) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	s.logger.Info("retention scheduler started", "cron", s.cron, "period", s.period)
	go s.loop(ctx)
	return cancel
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, err := s.Next(s.now().UTC())
		wait := time.Until(next)
		if err != nil {
			s.logger.Error("compute next retention tick", "cron", s.cron, "error", err)
			wait = 30 * time.Second
		}
		if wait < time.Second {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("retention scheduler stopping")
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("retention run failed", "error", err)
		}
	}
}
