package reactivation

import (
	"context"
	"testing"
	"time"

	"autodev-controlplane/services/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestLockManager(t *testing.T) (*LockManager, *gorm.DB) {
	db := testutil.NewTestDB(t, &Task{})
	cfg := testReactivationConfig()
	return NewLockManager(LockManagerParams{DB: db, Cfg: cfg}), db
}

func seedTask(t *testing.T, db *gorm.DB, task *Task) {
	t.Helper()
	require.NoError(t, db.Create(task).Error)
}

func TestAcquireIsMutuallyExclusive(t *testing.T) {
	m, db := newTestLockManager(t)
	ctx := context.Background()
	seedTask(t, db, &Task{ID: "t1", ExternalRef: "ref-1"})

	lock, err := m.Acquire(ctx, "t1", "manual:a1")
	require.NoError(t, err)
	require.Equal(t, "manual:a1", lock.Owner)

	_, err = m.Acquire(ctx, "t1", "retry:a2")
	require.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, m.Release(ctx, lock))

	lock2, err := m.Acquire(ctx, "t1", "retry:a2")
	require.NoError(t, err)
	require.Equal(t, "retry:a2", lock2.Owner)
}

func TestAcquireUnknownTaskIsBusy(t *testing.T) {
	m, _ := newTestLockManager(t)

	_, err := m.Acquire(context.Background(), "missing", "manual:a1")
	require.ErrorIs(t, err, ErrLockBusy)
}

func TestAcquireReclaimsExpiredLock(t *testing.T) {
	m, db := newTestLockManager(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	seedTask(t, db, &Task{
		ID:          "t1",
		ExternalRef: "ref-1",
		IsLocked:    true,
		LockedAt:    &stale,
		LockedBy:    "crashed:old",
	})

	lock, err := m.Acquire(ctx, "t1", "manual:a1")
	require.NoError(t, err)

	var stored Task
	require.NoError(t, db.First(&stored, "id = ?", "t1").Error)
	require.True(t, stored.IsLocked)
	require.Equal(t, "manual:a1", stored.LockedBy)

	require.NoError(t, m.Release(ctx, lock))
}

func TestReleaseOnlyByOwner(t *testing.T) {
	m, db := newTestLockManager(t)
	ctx := context.Background()
	seedTask(t, db, &Task{ID: "t1", ExternalRef: "ref-1"})

	lock, err := m.Acquire(ctx, "t1", "manual:a1")
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, &Lock{TaskID: "t1", Owner: "someone-else"}))

	var held Task
	require.NoError(t, db.First(&held, "id = ?", "t1").Error)
	require.True(t, held.IsLocked)
	require.Equal(t, "manual:a1", held.LockedBy)

	require.NoError(t, m.Release(ctx, lock))
	var released Task
	require.NoError(t, db.First(&released, "id = ?", "t1").Error)
	require.False(t, released.IsLocked)
	require.Nil(t, released.LockedAt)
}

func TestReleaseNilLockIsNoop(t *testing.T) {
	m, _ := newTestLockManager(t)
	require.NoError(t, m.Release(context.Background(), nil))
}

func TestSweepExpiredClearsOnlyStaleLocks(t *testing.T) {
	m, db := newTestLockManager(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	fresh := time.Now().UTC()
	seedTask(t, db, &Task{ID: "t1", ExternalRef: "ref-1", IsLocked: true, LockedAt: &stale, LockedBy: "a"})
	seedTask(t, db, &Task{ID: "t2", ExternalRef: "ref-2", IsLocked: true, LockedAt: &fresh, LockedBy: "b"})
	seedTask(t, db, &Task{ID: "t3", ExternalRef: "ref-3"})

	cleared, err := m.SweepExpired(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), cleared)

	var swept Task
	require.NoError(t, db.First(&swept, "id = ?", "t1").Error)
	require.False(t, swept.IsLocked)
	require.Nil(t, swept.LockedAt)

	var held Task
	require.NoError(t, db.First(&held, "id = ?", "t2").Error)
	require.True(t, held.IsLocked)
}
