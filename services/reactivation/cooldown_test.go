package reactivation

import (
	"context"
	"testing"
	"time"

	"autodev-controlplane/pkg/config"
	"autodev-controlplane/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testReactivationConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Reactivation = config.ReactivationConfig{
		MaxAttempts:   5,
		BaseBackoff:   time.Minute,
		MaxBackoff:    30 * time.Minute,
		LockTTL:       30 * time.Minute,
		SweepInterval: 5 * time.Minute,
		SubmitTimeout: time.Second,
	}
	return cfg
}

func newTestCooldown(t *testing.T) (*CooldownPolicy, *gorm.DB) {
	db := testutil.NewTestDB(t, &Task{})
	cfg := testReactivationConfig()
	return NewCooldownPolicy(CooldownParams{DB: db, Cfg: cfg}), db
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	p, _ := newTestCooldown(t)

	require.Equal(t, time.Duration(0), p.Backoff(0))
	require.Equal(t, time.Minute, p.Backoff(1))
	require.Equal(t, 2*time.Minute, p.Backoff(2))
	require.Equal(t, 5*time.Minute, p.Backoff(5))

	prev := time.Duration(0)
	for n := 0; n < 100; n++ {
		d := p.Backoff(n)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, 30*time.Minute)
		prev = d
	}
	require.Equal(t, 30*time.Minute, p.Backoff(1000))
}

func TestCheckCeilingTakesPrecedenceOverCooldown(t *testing.T) {
	p, _ := newTestCooldown(t)
	now := time.Now().UTC()
	until := now.Add(time.Hour)

	task := &Task{
		ID:                         "t1",
		FailedReactivationAttempts: 5,
		CooldownUntil:              &until,
	}

	err := p.Check(task, now)
	var maxErr *MaxAttemptsError
	require.ErrorAs(t, err, &maxErr)
	require.Equal(t, 5, maxErr.Attempts)
}

func TestCheckThrottledInsideWindow(t *testing.T) {
	p, _ := newTestCooldown(t)
	now := time.Now().UTC()
	until := now.Add(10 * time.Minute)

	task := &Task{ID: "t1", FailedReactivationAttempts: 2, CooldownUntil: &until}

	err := p.Check(task, now)
	var thr *ThrottledError
	require.ErrorAs(t, err, &thr)
	require.InDelta(t, (10 * time.Minute).Seconds(), thr.Remaining.Seconds(), 1)

	require.NoError(t, p.Check(task, until.Add(time.Second)))
}

func TestCheckCleanTaskPasses(t *testing.T) {
	p, _ := newTestCooldown(t)
	require.NoError(t, p.Check(&Task{ID: "t1"}, time.Now().UTC()))
}

func TestPenalizeIncrementsAndExtendsWindow(t *testing.T) {
	p, db := newTestCooldown(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := &Task{ID: "t1", ExternalRef: "ref-1"}
	require.NoError(t, db.Create(task).Error)

	require.NoError(t, p.Penalize(ctx, task, now))
	require.Equal(t, 1, task.FailedReactivationAttempts)
	require.NotNil(t, task.CooldownUntil)
	firstWindow := task.CooldownUntil.Sub(now)

	require.NoError(t, p.Penalize(ctx, task, now))
	require.Equal(t, 2, task.FailedReactivationAttempts)
	secondWindow := task.CooldownUntil.Sub(now)
	require.Greater(t, secondWindow, firstWindow)

	var stored Task
	require.NoError(t, db.First(&stored, "id = ?", "t1").Error)
	require.Equal(t, 2, stored.FailedReactivationAttempts)
	require.NotNil(t, stored.CooldownUntil)
	require.NotNil(t, stored.LastReactivationAttempt)
}

func TestPenalizeIsConditionalOnCounter(t *testing.T) {
	p, db := newTestCooldown(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := &Task{ID: "t1", ExternalRef: "ref-1"}
	require.NoError(t, db.Create(task).Error)

	// Two handles over the same row; the stale one must not double-apply.
	stale := &Task{ID: "t1"}
	require.NoError(t, p.Penalize(ctx, task, now))
	require.NoError(t, p.Penalize(ctx, stale, now))

	var stored Task
	require.NoError(t, db.First(&stored, "id = ?", "t1").Error)
	require.Equal(t, 1, stored.FailedReactivationAttempts)
}

func TestMarkAcceptedCleanStreakLeavesNoWindow(t *testing.T) {
	p, db := newTestCooldown(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := &Task{ID: "t1", ExternalRef: "ref-1"}
	require.NoError(t, db.Create(task).Error)

	require.NoError(t, p.MarkAccepted(ctx, db, task, now))

	var stored Task
	require.NoError(t, db.First(&stored, "id = ?", "t1").Error)
	require.Nil(t, stored.CooldownUntil)
	require.NotNil(t, stored.LastReactivationAttempt)
}

func TestMarkAcceptedKeepsWindowWhileStreakStands(t *testing.T) {
	p, db := newTestCooldown(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := &Task{ID: "t1", ExternalRef: "ref-1", FailedReactivationAttempts: 3}
	require.NoError(t, db.Create(task).Error)

	require.NoError(t, p.MarkAccepted(ctx, db, task, now))

	var stored Task
	require.NoError(t, db.First(&stored, "id = ?", "t1").Error)
	require.NotNil(t, stored.CooldownUntil)
	require.InDelta(t, (3 * time.Minute).Seconds(), stored.CooldownUntil.Sub(now).Seconds(), 1)
}

func TestResetOnCompletionClearsStreak(t *testing.T) {
	p, db := newTestCooldown(t)
	ctx := context.Background()
	until := time.Now().UTC().Add(time.Hour)

	task := &Task{
		ID:                         "t1",
		ExternalRef:                "ref-1",
		FailedReactivationAttempts: 4,
		CooldownUntil:              &until,
	}
	require.NoError(t, db.Create(task).Error)

	require.NoError(t, p.ResetOnCompletion(ctx, db, "t1"))

	var stored Task
	require.NoError(t, db.First(&stored, "id = ?", "t1").Error)
	require.Equal(t, 0, stored.FailedReactivationAttempts)
	require.Nil(t, stored.CooldownUntil)
}
