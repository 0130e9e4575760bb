package reactivation

import (
	"context"
	"fmt"
	"time"

	"autodev-controlplane/pkg/config"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

// ThrottledError reports an attempt made inside the cooldown window.
type ThrottledError struct {
	Remaining time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("task in cooldown for another %s", e.Remaining.Round(time.Second))
}

// MaxAttemptsError reports a task over the consecutive-rejection ceiling.
type MaxAttemptsError struct {
	Attempts int
	Ceiling  int
}

func (e *MaxAttemptsError) Error() string {
	return fmt.Sprintf("reactivation ceiling reached (%d/%d)", e.Attempts, e.Ceiling)
}

// CooldownPolicy throttles repeated reactivation attempts per task. All
// thresholds come from configuration.
type CooldownPolicy struct {
	db  *gorm.DB
	cfg config.ReactivationConfig
}

type CooldownParams struct {
	fx.In
	DB  *gorm.DB
	Cfg *config.Config
}

func NewCooldownPolicy(p CooldownParams) *CooldownPolicy {
	return &CooldownPolicy{db: p.DB, cfg: p.Cfg.Reactivation}
}

// Check evaluates the ceiling first, then the cooldown window. A task over
// the ceiling is rejected regardless of cooldown state until it completes.
func (p *CooldownPolicy) Check(task *Task, now time.Time) error {
	if task.FailedReactivationAttempts >= p.cfg.MaxAttempts {
		return &MaxAttemptsError{Attempts: task.FailedReactivationAttempts, Ceiling: p.cfg.MaxAttempts}
	}
	if task.CooldownUntil != nil && now.Before(*task.CooldownUntil) {
		return &ThrottledError{Remaining: task.CooldownUntil.Sub(now)}
	}
	return nil
}

// Backoff returns the cooldown window after the given number of consecutive
// rejections. Monotonically non-decreasing in the count, capped at MaxBackoff.
// A clean streak yields no window, so a healthy task is never throttled.
func (p *CooldownPolicy) Backoff(failedAttempts int) time.Duration {
	if failedAttempts <= 0 {
		return 0
	}
	d := p.cfg.BaseBackoff * time.Duration(failedAttempts)
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}

// Penalize records one rejected attempt: the consecutive-rejection counter
// goes up and the cooldown window extends by the backoff for the new count.
// Applied as a single conditional update keyed on the previous counter value
// so two concurrent penalties cannot both commit the same increment.
func (p *CooldownPolicy) Penalize(ctx context.Context, task *Task, now time.Time) error {
	next := task.FailedReactivationAttempts + 1
	until := now.Add(p.Backoff(next))

	res := p.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND failed_reactivation_attempts = ?", task.ID, task.FailedReactivationAttempts).
		Updates(map[string]any{
			"failed_reactivation_attempts": next,
			"last_reactivation_attempt":    now,
			"cooldown_until":               until,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		task.FailedReactivationAttempts = next
		task.LastReactivationAttempt = &now
		task.CooldownUntil = &until
	}
	return nil
}

// MarkAccepted stamps an accepted attempt: last attempt time moves to now and
// a fresh cooldown window opens, scaled by the rejection streak so far. The
// streak itself only resets when the task reaches completed.
func (p *CooldownPolicy) MarkAccepted(ctx context.Context, tx *gorm.DB, task *Task, now time.Time) error {
	updates := map[string]any{
		"last_reactivation_attempt": now,
	}
	task.LastReactivationAttempt = &now
	task.CooldownUntil = nil

	if d := p.Backoff(task.FailedReactivationAttempts); d > 0 {
		until := now.Add(d)
		updates["cooldown_until"] = until
		task.CooldownUntil = &until
	} else {
		updates["cooldown_until"] = nil
	}

	return tx.WithContext(ctx).Model(&Task{}).
		Where("id = ?", task.ID).
		Updates(updates).Error
}

// ResetOnCompletion clears the rejection streak and the cooldown window when
// a task reaches completed, giving any later manual reactivation a fresh
// ceiling.
func (p *CooldownPolicy) ResetOnCompletion(ctx context.Context, tx *gorm.DB, taskID string) error {
	return tx.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"failed_reactivation_attempts": 0,
			"cooldown_until":               nil,
		}).Error
}
