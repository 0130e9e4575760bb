package reactivation

import (
	"context"
	"errors"
	"time"

	"autodev-controlplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrLockBusy is returned when another owner currently holds the task lock.
var ErrLockBusy = errors.New("task lock held by another owner")

// Lock is a handle for an acquired per-task lock.
type Lock struct {
	TaskID     string
	Owner      string
	AcquiredAt time.Time
}

// LockManager provides short-lived advisory mutual exclusion per task. The
// lock protects the reactivation decision, not the execution: it is acquired
// for the evaluation window and released once submission is acknowledged.
//
// Acquire and Release are single conditional UPDATE statements so two
// concurrent triggers cannot interleave a read-then-write on the lock fields.
type LockManager struct {
	db  *gorm.DB
	ttl time.Duration
}

type LockManagerParams struct {
	fx.In
	DB  *gorm.DB
	Cfg *config.Config
}

func NewLockManager(p LockManagerParams) *LockManager {
	return &LockManager{
		db:  p.DB,
		ttl: p.Cfg.Reactivation.LockTTL,
	}
}

// Acquire fails fast with ErrLockBusy when the lock is held and not expired.
// An expired lock (older than the TTL) is treated as free, so a crashed owner
// cannot block a task past the TTL even between sweeps.
func (m *LockManager) Acquire(ctx context.Context, taskID, owner string) (*Lock, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-m.ttl)

	res := m.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND (is_locked = ? OR locked_at < ?)", taskID, false, cutoff).
		Updates(map[string]any{
			"is_locked": true,
			"locked_at": now,
			"locked_by": owner,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrLockBusy
	}

	return &Lock{TaskID: taskID, Owner: owner, AcquiredAt: now}, nil
}

// Release clears the lock fields. Only the owner that acquired the lock may
// release it; a sweep that already reclaimed it makes this a no-op.
func (m *LockManager) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}

	res := m.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND is_locked = ? AND locked_by = ?", l.TaskID, true, l.Owner).
		Updates(map[string]any{
			"is_locked": false,
			"locked_at": nil,
			"locked_by": "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		zap.L().Warn("lock already reclaimed before release",
			zap.String("task_id", l.TaskID),
			zap.String("owner", l.Owner),
		)
	}
	return nil
}

// SweepExpired force-clears locks older than maxAge. It is the only path
// allowed to clear a lock it did not acquire, and is idempotent under
// concurrent sweeps because the clear is conditional on the cutoff.
func (m *LockManager) SweepExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	res := m.db.WithContext(ctx).Model(&Task{}).
		Where("is_locked = ? AND locked_at < ?", true, cutoff).
		Updates(map[string]any{
			"is_locked": false,
			"locked_at": nil,
			"locked_by": "",
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		zap.L().Warn("cleared expired task locks",
			zap.Int64("count", res.RowsAffected),
			zap.Duration("max_age", maxAge),
		)
	}
	return res.RowsAffected, nil
}
