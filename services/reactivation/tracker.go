package reactivation

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// JobEventKind is an executor lifecycle signal for one job.
type JobEventKind string

const (
	JobEventStarted   JobEventKind = "started"
	JobEventCompleted JobEventKind = "completed"
	JobEventFailed    JobEventKind = "failed"
)

func (k JobEventKind) Valid() bool {
	switch k {
	case JobEventStarted, JobEventCompleted, JobEventFailed:
		return true
	}
	return false
}

// JobEvent is one executor callback routed into the tracker.
type JobEvent struct {
	JobID string
	RunID string
	Event JobEventKind
	Error string
}

// ActiveJobTracker maintains the set of executor job IDs believed live per
// run. Executor callbacks go through a single inbound channel drained by one
// goroutine, so active-set updates stay linearizable without row locks.
type ActiveJobTracker struct {
	db       *gorm.DB
	executor Executor
	events   chan JobEvent
	done     chan struct{}
}

type TrackerParams struct {
	fx.In
	DB       *gorm.DB
	Executor Executor
}

func NewActiveJobTracker(p TrackerParams) *ActiveJobTracker {
	return &ActiveJobTracker{
		db:       p.DB,
		executor: p.Executor,
		events:   make(chan JobEvent, 64),
		done:     make(chan struct{}),
	}
}

// RegisterJob appends a job ID to the run's active set. The first live job
// stamps job_started_at.
func (t *ActiveJobTracker) RegisterJob(ctx context.Context, runID, jobID string) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			return err
		}

		ids := run.ActiveJobs()
		for _, id := range ids {
			if id == jobID {
				return nil
			}
		}

		updates := map[string]any{
			"last_job_id": jobID,
		}
		if len(ids) == 0 {
			now := time.Now().UTC()
			updates["job_started_at"] = now
		}
		run.SetActiveJobs(append(ids, jobID))
		updates["active_job_ids"] = run.ActiveJobIDs
		updates["active_job_count"] = len(ids) + 1

		return tx.Model(&Run{}).Where("id = ?", runID).Updates(updates).Error
	})
}

// CompleteJob removes a job ID from the active set and records its outcome.
// Unknown job IDs are ignored so retried executor callbacks stay harmless.
func (t *ActiveJobTracker) CompleteJob(ctx context.Context, runID, jobID string, outcome JobEventKind) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			return err
		}

		ids := run.ActiveJobs()
		remaining := make([]string, 0, len(ids))
		found := false
		for _, id := range ids {
			if id == jobID {
				found = true
				continue
			}
			remaining = append(remaining, id)
		}
		if !found {
			return nil
		}

		run.SetActiveJobs(remaining)
		now := time.Now().UTC()

		return tx.Model(&Run{}).Where("id = ?", runID).Updates(map[string]any{
			"active_job_ids":   run.ActiveJobIDs,
			"active_job_count": len(remaining),
			"last_job_outcome": string(outcome),
			"job_finished_at":  now,
		}).Error
	})
}

// RevokePrevious cancels every job currently active for the run, clears the
// set, and returns how many were revoked. Cancellation is best effort; a
// cancel failure is logged, not propagated, and the set is cleared anyway so
// a reactivation can proceed.
func (t *ActiveJobTracker) RevokePrevious(ctx context.Context, runID string) (int, error) {
	var run Run
	if err := t.db.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		return 0, err
	}

	ids := run.ActiveJobs()
	if len(ids) == 0 {
		return 0, nil
	}

	for _, jobID := range ids {
		if err := t.executor.CancelJob(ctx, jobID); err != nil {
			zap.L().Warn("revoke: cancel failed",
				zap.String("run_id", runID),
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		}
	}

	run.SetActiveJobs(nil)
	if err := t.db.WithContext(ctx).Model(&Run{}).Where("id = ?", runID).
		Updates(map[string]any{
			"active_job_ids":   run.ActiveJobIDs,
			"active_job_count": 0,
		}).Error; err != nil {
		return 0, err
	}

	zap.L().Info("revoked previous jobs",
		zap.String("run_id", runID),
		zap.Int("count", len(ids)),
	)
	return len(ids), nil
}

// Dispatch queues one executor callback for serialized processing. After the
// tracker has stopped the event is dropped instead of blocking the caller;
// the sweeper's closed-run audit picks up whatever a dropped event leaves.
func (t *ActiveJobTracker) Dispatch(ev JobEvent) {
	select {
	case t.events <- ev:
	case <-t.done:
		zap.L().Warn("tracker stopped, dropping job event",
			zap.String("run_id", ev.RunID),
			zap.String("job_id", ev.JobID),
			zap.String("event", string(ev.Event)),
		)
	}
}

func (t *ActiveJobTracker) handle(ctx context.Context, ev JobEvent) {
	var err error
	switch ev.Event {
	case JobEventStarted:
		err = t.RegisterJob(ctx, ev.RunID, ev.JobID)
	case JobEventCompleted, JobEventFailed:
		err = t.CompleteJob(ctx, ev.RunID, ev.JobID, ev.Event)
	default:
		zap.L().Warn("unknown job event", zap.String("event", string(ev.Event)))
		return
	}
	if err != nil {
		zap.L().Error("failed to apply job event",
			zap.String("run_id", ev.RunID),
			zap.String("job_id", ev.JobID),
			zap.String("event", string(ev.Event)),
			zap.Error(err),
		)
	}
}

func (t *ActiveJobTracker) run() {
	for {
		select {
		case ev := <-t.events:
			t.handle(context.Background(), ev)
		case <-t.done:
			// drain whatever is already queued before stopping
			for {
				select {
				case ev := <-t.events:
					t.handle(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// StartTracker runs the event loop for the lifetime of the application.
func StartTracker(lc fx.Lifecycle, t *ActiveJobTracker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go t.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(t.done)
			return nil
		},
	})
}
