package reactivation

import (
	"context"
	"testing"
	"time"

	"autodev-controlplane/services/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestViews(t *testing.T) (*Views, *gorm.DB) {
	db := testutil.NewTestDB(t, &Task{}, &Run{}, &ReactivationAttempt{})
	cfg := testReactivationConfig()
	return NewViews(ViewsParams{DB: db, Cfg: cfg}), db
}

func TestReactivableTasksFiltering(t *testing.T) {
	v, db := newTestViews(t)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	seedTask(t, db, &Task{ID: "ok-pending", ExternalRef: "r1", Status: StatusPending})
	seedTask(t, db, &Task{ID: "ok-failed", ExternalRef: "r2", Status: StatusFailed, CooldownUntil: &past})
	seedTask(t, db, &Task{ID: "locked", ExternalRef: "r3", Status: StatusPending, IsLocked: true, LockedAt: &now})
	seedTask(t, db, &Task{ID: "cooling", ExternalRef: "r4", Status: StatusFailed, CooldownUntil: &future})
	seedTask(t, db, &Task{ID: "ceiling", ExternalRef: "r5", Status: StatusFailed, FailedReactivationAttempts: 5})
	seedTask(t, db, &Task{ID: "running", ExternalRef: "r6", Status: StatusProcessing})
	seedTask(t, db, &Task{ID: "done", ExternalRef: "r7", Status: StatusCompleted})

	tasks, err := v.ReactivableTasks(ctx)
	require.NoError(t, err)

	got := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		got[task.ID] = true
	}
	require.Len(t, got, 2)
	require.True(t, got["ok-pending"])
	require.True(t, got["ok-failed"])
}

func TestActiveRunsListsOnlyLiveJobs(t *testing.T) {
	v, db := newTestViews(t)
	ctx := context.Background()

	live := &Run{ID: "r1", TaskID: "t1"}
	live.SetActiveJobs([]string{"job-1"})
	live.ActiveJobCount = 1
	require.NoError(t, db.Create(live).Error)
	seedRun(t, db, &Run{ID: "r2", TaskID: "t2"})

	runs, err := v.ActiveRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "r1", runs[0].ID)
}

func TestStatsAggregates(t *testing.T) {
	v, db := newTestViews(t)
	ctx := context.Background()

	now := time.Now().UTC()
	future := now.Add(time.Hour)

	seedTask(t, db, &Task{ID: "t1", ExternalRef: "r1", Status: StatusPending, IsLocked: true, LockedAt: &now})
	seedTask(t, db, &Task{ID: "t2", ExternalRef: "r2", Status: StatusFailed, CooldownUntil: &future})

	live := &Run{ID: "run-1", TaskID: "t1"}
	live.SetActiveJobs([]string{"job-1"})
	live.ActiveJobCount = 1
	require.NoError(t, db.Create(live).Error)

	attempts := []*ReactivationAttempt{
		{ID: "a1", TaskID: "t1", TriggerType: TriggerManual, Decision: DecisionAccepted, ReceivedAt: now},
		{ID: "a2", TaskID: "t2", TriggerType: TriggerRetry, Decision: DecisionRejected, Reason: ReasonThrottled, ReceivedAt: now},
		{ID: "a3", TaskID: "t2", TriggerType: TriggerRetry, Decision: DecisionRejected, Reason: ReasonMaxReactivationsExceeded, ReceivedAt: now},
	}
	for _, a := range attempts {
		require.NoError(t, db.Create(a).Error)
	}

	stats, err := v.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.AttemptsTotal)
	require.Equal(t, int64(1), stats.Accepted)
	require.Equal(t, int64(2), stats.Rejected)
	require.Equal(t, int64(1), stats.Throttled)
	require.Equal(t, int64(1), stats.CeilingRejected)
	require.Equal(t, int64(1), stats.LockedTasks)
	require.Equal(t, int64(1), stats.CoolingDownTasks)
	require.Equal(t, int64(1), stats.ActiveRuns)
}
