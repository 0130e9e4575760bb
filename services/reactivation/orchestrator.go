package reactivation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	queue "autodev-controlplane/pkg/asynq"
	"autodev-controlplane/pkg/config"
	"autodev-controlplane/pkg/errutil"
	"autodev-controlplane/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TriggerRequest is one inbound reactivation trigger.
type TriggerRequest struct {
	ExternalRef     string
	Title           string
	Type            TriggerType
	Source          string
	RequestedStatus TaskStatus
	Payload         json.RawMessage
	Confidence      *float64
}

// Decision is the terminal outcome of one trigger. Rejections carry a stable
// reason code; Throttled additionally carries the remaining cooldown so the
// caller can back off instead of hammering the endpoint.
type Decision struct {
	Accepted   bool                 `json:"accepted"`
	Reason     Reason               `json:"reason,omitempty"`
	RetryAfter time.Duration        `json:"retry_after,omitempty"`
	Attempt    *ReactivationAttempt `json:"attempt"`
}

// Orchestrator runs the request lifecycle for one trigger: ledger entry,
// lock, cooldown check, transition validation, domain guard, then either the
// accepted path (status write, run, job submission) or a recorded rejection.
// It never lets an error escape as anything but a Decision; exactly one
// ledger entry is produced per call and the lock is released on every path.
type Orchestrator struct {
	db       *gorm.DB
	node     *snowflake.Node
	seq      sequence.Generator
	locks    *LockManager
	cooldown *CooldownPolicy
	tracker  *ActiveJobTracker
	executor Executor
	cfg      config.ReactivationConfig
}

type OrchestratorParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Sequence sequence.Generator `optional:"true"`
	Locks    *LockManager
	Cooldown *CooldownPolicy
	Tracker  *ActiveJobTracker
	Executor Executor
	Cfg      *config.Config
}

func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	return &Orchestrator{
		db:       p.DB,
		node:     p.Node,
		seq:      p.Sequence,
		locks:    p.Locks,
		cooldown: p.Cooldown,
		tracker:  p.Tracker,
		executor: p.Executor,
		cfg:      p.Cfg.Reactivation,
	}
}

// SubmitTrigger processes one trigger end to end.
func (o *Orchestrator) SubmitTrigger(ctx context.Context, req TriggerRequest) (dec *Decision, err error) {
	receivedAt := time.Now().UTC()

	traceID := trace.SpanFromContext(ctx).SpanContext().TraceID().String()
	zapLog := zap.L().With(
		zap.String("trace_id", traceID),
		zap.String("external_ref", req.ExternalRef),
		zap.String("trigger_type", string(req.Type)),
		zap.String("trigger_source", req.Source),
	)

	if req.ExternalRef == "" {
		return nil, errutil.BadRequest("external_ref is required")
	}
	if !req.Type.Valid() {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown trigger type %q", req.Type))
	}
	if !req.RequestedStatus.Valid() {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown status %q", req.RequestedStatus))
	}

	task, err := o.findOrCreateTask(ctx, req)
	if err != nil {
		return nil, errutil.Internal("failed to resolve task", errutil.WithErr(err))
	}

	attempt := &ReactivationAttempt{
		ID:              o.node.Generate().String(),
		TaskID:          task.ID,
		TriggerType:     req.Type,
		TriggerSource:   req.Source,
		RequestedStatus: req.RequestedStatus,
		Payload:         datatypes.JSON(req.Payload),
		Confidence:      req.Confidence,
		Decision:        DecisionPending,
		ReceivedAt:      receivedAt,
	}
	if o.seq != nil {
		if code, cerr := o.seq.NextAttemptCode(ctx); cerr == nil {
			attempt.Code = code
		}
	}
	if err := o.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return nil, errutil.Internal("failed to record attempt", errutil.WithErr(err))
	}

	owner := fmt.Sprintf("%s:%s", req.Type, attempt.ID)
	lock, err := o.locks.Acquire(ctx, task.ID, owner)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			zapLog.Info("trigger rejected: concurrent attempt", zap.String("task_id", task.ID))
			return o.reject(ctx, nil, attempt, ReasonConcurrentAttempt, err, 0)
		}
		return o.reject(ctx, nil, attempt, ReasonInternalError, err, 0)
	}

	// Release is unconditional: success, rejection, or panic below.
	defer func() {
		if rerr := o.locks.Release(context.WithoutCancel(ctx), lock); rerr != nil {
			zapLog.Error("failed to release task lock", zap.String("task_id", task.ID), zap.Error(rerr))
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			zapLog.Error("panic during trigger evaluation", zap.Any("panic", r))
			dec, err = o.reject(context.WithoutCancel(ctx), nil, attempt, ReasonInternalError, fmt.Errorf("panic: %v", r), 0)
		}
	}()

	// Re-read under the lock; the pre-lock copy may be stale.
	if err := o.db.WithContext(ctx).First(task, "id = ?", task.ID).Error; err != nil {
		return o.reject(ctx, nil, attempt, ReasonInternalError, err, 0)
	}

	now := time.Now().UTC()

	if cerr := o.cooldown.Check(task, now); cerr != nil {
		var thr *ThrottledError
		if errors.As(cerr, &thr) {
			zapLog.Info("trigger rejected: throttled",
				zap.String("task_id", task.ID),
				zap.Duration("remaining", thr.Remaining),
			)
			return o.reject(ctx, task, attempt, ReasonThrottled, cerr, thr.Remaining)
		}
		zapLog.Warn("trigger rejected: reactivation ceiling reached",
			zap.String("task_id", task.ID),
			zap.Int("failed_attempts", task.FailedReactivationAttempts),
		)
		return o.reject(ctx, nil, attempt, ReasonMaxReactivationsExceeded, cerr, 0)
	}

	if verr := ValidateTransition(task.Status, req.RequestedStatus); verr != nil {
		zapLog.Info("trigger rejected: illegal transition",
			zap.String("task_id", task.ID),
			zap.String("from", string(task.Status)),
			zap.String("to", string(req.RequestedStatus)),
		)
		return o.reject(ctx, task, attempt, ReasonIllegalTransition, verr, 0)
	}

	// Domain guard: a task with work in flight only accepts the idempotent
	// re-assertion of its current status (the supersede path).
	if task.Status.ActiveEquivalent() && req.RequestedStatus != task.Status {
		zapLog.Info("trigger rejected: already active", zap.String("task_id", task.ID))
		return o.reject(ctx, task, attempt, ReasonAlreadyActive,
			fmt.Errorf("task already active in status %q", task.Status), 0)
	}

	return o.accept(ctx, zapLog, task, attempt, req, now)
}

func (o *Orchestrator) accept(ctx context.Context, zapLog *zap.Logger, task *Task, attempt *ReactivationAttempt, req TriggerRequest, now time.Time) (*Decision, error) {
	isReactivation := task.Status != StatusPending || task.ReactivationCount > 0

	run, err := o.latestRun(ctx, task.ID)
	if err != nil {
		return o.reject(ctx, nil, attempt, ReasonInternalError, err, 0)
	}

	revoked := 0
	if run != nil && len(run.ActiveJobs()) > 0 {
		revoked, err = o.tracker.RevokePrevious(ctx, run.ID)
		if err != nil {
			return o.reject(ctx, nil, attempt, ReasonInternalError, err, 0)
		}
	}

	// Continue the existing run on an idempotent re-assertion of the current
	// status; any real transition starts a new run.
	newRun := run == nil || req.RequestedStatus != task.Status
	if newRun {
		run = &Run{
			ID:             o.node.Generate().String(),
			TaskID:         task.ID,
			IsReactivation: isReactivation,
		}
		if o.seq != nil {
			if code, cerr := o.seq.NextRunCode(ctx); cerr == nil {
				run.Code = code
			}
		}
	}

	decidedAt := time.Now().UTC()
	txErr := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.RequestedStatus != task.Status {
			res := tx.Model(&Task{}).
				Where("id = ? AND status = ?", task.ID, task.Status).
				Updates(map[string]any{
					"status":          req.RequestedStatus,
					"previous_status": task.Status,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("status moved concurrently from %q", task.Status)
			}
		}

		if err := tx.Model(&Task{}).Where("id = ?", task.ID).
			Update("reactivation_count", gorm.Expr("reactivation_count + 1")).Error; err != nil {
			return err
		}

		if err := o.cooldown.MarkAccepted(ctx, tx, task, now); err != nil {
			return err
		}
		if req.RequestedStatus == StatusCompleted {
			if err := o.cooldown.ResetOnCompletion(ctx, tx, task.ID); err != nil {
				return err
			}
		}

		if newRun {
			if err := tx.Create(run).Error; err != nil {
				return err
			}
		} else if err := tx.Model(&Run{}).Where("id = ?", run.ID).
			Update("is_reactivation", true).Error; err != nil {
			return err
		}

		return tx.Model(&ReactivationAttempt{}).
			Where("id = ? AND completed_at IS NULL", attempt.ID).
			Updates(map[string]any{
				"decision":              DecisionAccepted,
				"run_id":                run.ID,
				"previous_jobs_revoked": revoked,
				"decided_at":            decidedAt,
			}).Error
	})
	if txErr != nil {
		return o.reject(ctx, nil, attempt, ReasonInternalError, txErr, 0)
	}

	// The lock is held only until submission is acknowledged, never for the
	// job's runtime.
	subCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	defer cancel()

	jobID, err := o.executor.SubmitJob(subCtx, queue.ExecuteRunPayload{
		RunID:          run.ID,
		TaskID:         task.ID,
		ExternalRef:    task.ExternalRef,
		TriggerType:    string(req.Type),
		IsReactivation: run.IsReactivation,
		WorkDescriptor: string(req.Payload),
	})
	if err != nil {
		// Roll the accepted state back so a failed submission leaves the
		// task exactly as it was.
		if rbErr := o.rollbackAccept(ctx, task, run, newRun); rbErr != nil {
			zapLog.Error("failed to roll back accepted state", zap.Error(rbErr))
		}
		return o.reject(ctx, nil, attempt, ReasonInternalError, err, 0)
	}

	if err := o.tracker.RegisterJob(ctx, run.ID, jobID); err != nil {
		// A submitted job the tracker cannot see would dodge revocation on the
		// next reactivation. Cancel it and unwind as if submission had failed.
		zapLog.Error("failed to register submitted job",
			zap.String("run_id", run.ID),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		if cerr := o.executor.CancelJob(context.WithoutCancel(ctx), jobID); cerr != nil {
			zapLog.Error("failed to cancel unregistered job", zap.String("job_id", jobID), zap.Error(cerr))
		}
		if rbErr := o.rollbackAccept(ctx, task, run, newRun); rbErr != nil {
			zapLog.Error("failed to roll back accepted state", zap.Error(rbErr))
		}
		return o.reject(ctx, nil, attempt, ReasonInternalError, err, 0)
	}

	o.finalize(ctx, attempt)
	attempt.Decision = DecisionAccepted
	runID := run.ID
	attempt.RunID = &runID
	attempt.PreviousJobsRevoked = revoked

	zapLog.Info("trigger accepted",
		zap.String("task_id", task.ID),
		zap.String("run_id", run.ID),
		zap.String("job_id", jobID),
		zap.String("status", string(req.RequestedStatus)),
		zap.Int("previous_jobs_revoked", revoked),
	)

	return &Decision{Accepted: true, Attempt: attempt}, nil
}

// rollbackAccept reverts the committed accept-path writes after a failed
// submission: status back to the previous value, the counter decrement, and
// the run row if it was created for this attempt.
func (o *Orchestrator) rollbackAccept(ctx context.Context, task *Task, run *Run, newRun bool) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Task{}).Where("id = ?", task.ID).
			Updates(map[string]any{
				"status":             task.Status,
				"previous_status":    task.PreviousStatus,
				"reactivation_count": gorm.Expr("reactivation_count - 1"),
			}).Error; err != nil {
			return err
		}
		if newRun {
			return tx.Delete(&Run{}, "id = ?", run.ID).Error
		}
		return nil
	})
}

// reject finalizes the attempt with a stable reason code. When task is
// non-nil the rejection counts against the cooldown/ceiling policy;
// ConcurrentAttempt, ceiling rejections, and internal faults do not.
func (o *Orchestrator) reject(ctx context.Context, task *Task, attempt *ReactivationAttempt, reason Reason, cause error, retryAfter time.Duration) (*Decision, error) {
	now := time.Now().UTC()
	if task != nil {
		if perr := o.cooldown.Penalize(ctx, task, now); perr != nil {
			zap.L().Error("failed to apply rejection penalty",
				zap.String("task_id", task.ID),
				zap.Error(perr),
			)
		}
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	duration := now.Sub(attempt.ReceivedAt).Milliseconds()

	if err := o.db.WithContext(ctx).Model(&ReactivationAttempt{}).
		Where("id = ? AND completed_at IS NULL", attempt.ID).
		Updates(map[string]any{
			"decision":     DecisionRejected,
			"reason":       reason,
			"error_msg":    errMsg,
			"decided_at":   now,
			"completed_at": now,
			"duration_ms":  duration,
		}).Error; err != nil {
		zap.L().Error("failed to finalize rejected attempt",
			zap.String("attempt_id", attempt.ID),
			zap.Error(err),
		)
	}

	attempt.Decision = DecisionRejected
	attempt.Reason = reason
	attempt.ErrorMsg = errMsg
	attempt.DecidedAt = &now
	attempt.CompletedAt = &now
	attempt.DurationMs = &duration

	return &Decision{Accepted: false, Reason: reason, RetryAfter: retryAfter, Attempt: attempt}, nil
}

// finalize stamps completed_at and the computed duration on an accepted
// attempt. The guard on completed_at keeps the ledger row write-once.
func (o *Orchestrator) finalize(ctx context.Context, attempt *ReactivationAttempt) {
	now := time.Now().UTC()
	duration := now.Sub(attempt.ReceivedAt).Milliseconds()

	if err := o.db.WithContext(ctx).Model(&ReactivationAttempt{}).
		Where("id = ? AND completed_at IS NULL", attempt.ID).
		Updates(map[string]any{
			"completed_at": now,
			"duration_ms":  duration,
		}).Error; err != nil {
		zap.L().Error("failed to finalize attempt", zap.String("attempt_id", attempt.ID), zap.Error(err))
	}

	attempt.CompletedAt = &now
	attempt.DurationMs = &duration
}

// ApplyStatus is the status-write path for pipeline collaborators (executor
// callbacks, operator tooling). It goes through the same transition table and
// triggers the reset-on-completion rule.
func (o *Orchestrator) ApplyStatus(ctx context.Context, taskID string, to TaskStatus) error {
	if !to.Valid() {
		return errutil.ValidationFailed(fmt.Sprintf("unknown status %q", to))
	}

	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task Task
		if err := tx.First(&task, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("task not found")
			}
			return err
		}

		if err := ValidateTransition(task.Status, to); err != nil {
			return errutil.Conflict("illegal status transition", errutil.WithErr(err))
		}
		if task.Status == to {
			// Idempotent self-transition: retried writes are a no-op.
			return nil
		}

		res := tx.Model(&Task{}).
			Where("id = ? AND status = ?", taskID, task.Status).
			Updates(map[string]any{
				"status":          to,
				"previous_status": task.Status,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("status moved concurrently")
		}

		if to == StatusCompleted {
			return o.cooldown.ResetOnCompletion(ctx, tx, taskID)
		}
		return nil
	})
}

func (o *Orchestrator) findOrCreateTask(ctx context.Context, req TriggerRequest) (*Task, error) {
	var task Task
	err := o.db.WithContext(ctx).First(&task, "external_ref = ?", req.ExternalRef).Error
	if err == nil {
		return &task, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	task = Task{
		ID:          o.node.Generate().String(),
		ExternalRef: req.ExternalRef,
		Title:       req.Title,
		Status:      StatusPending,
	}
	if err := o.db.WithContext(ctx).Create(&task).Error; err != nil {
		// Lost the creation race; the other writer's row wins.
		if ferr := o.db.WithContext(ctx).First(&task, "external_ref = ?", req.ExternalRef).Error; ferr == nil {
			return &task, nil
		}
		return nil, err
	}
	return &task, nil
}

func (o *Orchestrator) latestRun(ctx context.Context, taskID string) (*Run, error) {
	var run Run
	err := o.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
