package reactivation

import (
	"context"
	"time"

	"autodev-controlplane/pkg/config"

	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Views are read-only projections of the state store and the attempt ledger
// for the dashboard and monitoring layer. Nothing here writes.
type Views struct {
	db  *gorm.DB
	cfg config.ReactivationConfig
}

type ViewsParams struct {
	fx.In
	DB  *gorm.DB
	Cfg *config.Config
}

func NewViews(p ViewsParams) *Views {
	return &Views{db: p.DB, cfg: p.Cfg.Reactivation}
}

// ReactivableTasks lists tasks a trigger could currently reactivate: not
// locked, outside any cooldown window, under the attempt ceiling, and not
// already running or completed.
func (v *Views) ReactivableTasks(ctx context.Context) ([]*Task, error) {
	now := time.Now().UTC()

	var tasks []*Task
	err := v.db.WithContext(ctx).
		Where("status IN ?", []TaskStatus{StatusPending, StatusFailed}).
		Where("is_locked = ?", false).
		Where("cooldown_until IS NULL OR cooldown_until <= ?", now).
		Where("failed_reactivation_attempts < ?", v.cfg.MaxAttempts).
		Order("updated_at DESC").
		Find(&tasks).Error
	return tasks, err
}

// ActiveRuns lists runs with at least one job the executor considers live.
func (v *Views) ActiveRuns(ctx context.Context) ([]*Run, error) {
	var runs []*Run
	err := v.db.WithContext(ctx).
		Where("active_job_count > 0").
		Order("updated_at DESC").
		Find(&runs).Error
	return runs, err
}

// Stats is the aggregate monitoring projection.
type Stats struct {
	AttemptsTotal    int64 `json:"attempts_total"`
	Accepted         int64 `json:"accepted"`
	Rejected         int64 `json:"rejected"`
	Throttled        int64 `json:"throttled"`
	CeilingRejected  int64 `json:"ceiling_rejected"`
	LockedTasks      int64 `json:"locked_tasks"`
	CoolingDownTasks int64 `json:"cooling_down_tasks"`
	ActiveRuns       int64 `json:"active_runs"`
}

func (v *Views) Stats(ctx context.Context) (*Stats, error) {
	now := time.Now().UTC()
	stats := &Stats{}

	g, gctx := errgroup.WithContext(ctx)

	count := func(dst *int64, scope func(*gorm.DB) *gorm.DB) {
		g.Go(func() error {
			return scope(v.db.WithContext(gctx)).Count(dst).Error
		})
	}

	count(&stats.AttemptsTotal, func(db *gorm.DB) *gorm.DB {
		return db.Model(&ReactivationAttempt{})
	})
	count(&stats.Accepted, func(db *gorm.DB) *gorm.DB {
		return db.Model(&ReactivationAttempt{}).Where("decision = ?", DecisionAccepted)
	})
	count(&stats.Rejected, func(db *gorm.DB) *gorm.DB {
		return db.Model(&ReactivationAttempt{}).Where("decision = ?", DecisionRejected)
	})
	count(&stats.Throttled, func(db *gorm.DB) *gorm.DB {
		return db.Model(&ReactivationAttempt{}).Where("reason = ?", ReasonThrottled)
	})
	count(&stats.CeilingRejected, func(db *gorm.DB) *gorm.DB {
		return db.Model(&ReactivationAttempt{}).Where("reason = ?", ReasonMaxReactivationsExceeded)
	})
	count(&stats.LockedTasks, func(db *gorm.DB) *gorm.DB {
		return db.Model(&Task{}).Where("is_locked = ?", true)
	})
	count(&stats.CoolingDownTasks, func(db *gorm.DB) *gorm.DB {
		return db.Model(&Task{}).Where("cooldown_until > ?", now)
	})
	count(&stats.ActiveRuns, func(db *gorm.DB) *gorm.DB {
		return db.Model(&Run{}).Where("active_job_count > 0")
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}
