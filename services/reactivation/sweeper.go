package reactivation

import (
	"context"
	"time"

	"autodev-controlplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sweeper is the periodic janitor: it force-clears locks left behind by a
// crashed owner and reconciles runs whose task is closed but whose active-job
// set never drained. Both are reported as operational events, not task
// errors.
type Sweeper struct {
	db      *gorm.DB
	locks   *LockManager
	tracker *ActiveJobTracker
	cfg     config.ReactivationConfig
}

type SweeperParams struct {
	fx.In
	DB      *gorm.DB
	Locks   *LockManager
	Tracker *ActiveJobTracker
	Cfg     *config.Config
}

func NewSweeper(p SweeperParams) *Sweeper {
	return &Sweeper{
		db:      p.DB,
		locks:   p.Locks,
		tracker: p.Tracker,
		cfg:     p.Cfg.Reactivation,
	}
}

// StartSweeper runs the janitor loop for the lifetime of the application.
func StartSweeper(lc fx.Lifecycle, s *Sweeper) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Sweeper) run(ctx context.Context) {
	zap.L().Info("[Sweeper] started",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Duration("lock_ttl", s.cfg.LockTTL),
	)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			zap.L().Info("[Sweeper] stopped")
			return
		}
	}
}

// Sweep performs one janitor pass. Safe to run concurrently with normal
// acquire/release: both steps are conditional updates.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()

	cleared, err := s.locks.SweepExpired(ctx, s.cfg.LockTTL)
	if err != nil {
		zap.L().Error("[Sweeper] lock sweep failed", zap.Error(err))
	}

	reconciled, err := s.reconcileClosedRuns(ctx)
	if err != nil {
		zap.L().Error("[Sweeper] closed-run audit failed", zap.Error(err))
	}

	if cleared > 0 || reconciled > 0 {
		zap.L().Info("[Sweeper] pass finished",
			zap.Int64("locks_cleared", cleared),
			zap.Int("runs_reconciled", reconciled),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// reconcileClosedRuns finds runs that still claim live jobs while their task
// is in a closed status. A non-empty active set on a closed run is a
// consistency violation; the leftover jobs are revoked and the set cleared.
func (s *Sweeper) reconcileClosedRuns(ctx context.Context) (int, error) {
	var runs []*Run
	err := s.db.WithContext(ctx).
		Joins("JOIN tasks ON tasks.id = runs.task_id").
		Where("runs.active_job_count > 0").
		Where("tasks.status IN ?", []TaskStatus{StatusCompleted, StatusFailed}).
		Find(&runs).Error
	if err != nil {
		return 0, err
	}

	for _, run := range runs {
		zap.L().Warn("[Sweeper] closed run with live jobs",
			zap.String("run_id", run.ID),
			zap.String("task_id", run.TaskID),
			zap.Int("active_jobs", run.ActiveJobCount),
		)
		if _, err := s.tracker.RevokePrevious(ctx, run.ID); err != nil {
			zap.L().Error("[Sweeper] failed to reconcile run",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	}

	return len(runs), nil
}
