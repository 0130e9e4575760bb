package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	queue "autodev-controlplane/pkg/asynq"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeRunner struct {
	payloads []queue.ExecuteRunPayload
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, payload queue.ExecuteRunPayload) error {
	f.payloads = append(f.payloads, payload)
	return f.err
}

type recordedEvent struct {
	runID  string
	event  string
	errMsg string
}

type fakeReporter struct {
	events []recordedEvent
}

func (f *fakeReporter) Report(ctx context.Context, jobID, runID, event, errMsg string) {
	f.events = append(f.events, recordedEvent{runID: runID, event: event, errMsg: errMsg})
}

func newRunTask(t *testing.T, payload queue.ExecuteRunPayload) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(queue.ExecuteRunTask, b)
}

func TestHandleExecuteRunReportsLifecycle(t *testing.T) {
	runner := &fakeRunner{}
	reporter := &fakeReporter{}
	svc := &Service{runner: runner, events: reporter}

	payload := queue.ExecuteRunPayload{RunID: "r1", TaskID: "t1", ExternalRef: "issue-1"}
	err := svc.HandleExecuteRun(context.Background(), newRunTask(t, payload))
	require.NoError(t, err)

	require.Len(t, runner.payloads, 1)
	require.Equal(t, "r1", runner.payloads[0].RunID)

	require.Len(t, reporter.events, 2)
	require.Equal(t, recordedEvent{runID: "r1", event: EventStarted}, reporter.events[0])
	require.Equal(t, recordedEvent{runID: "r1", event: EventCompleted}, reporter.events[1])
}

func TestHandleExecuteRunReportsFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("tests failed")}
	reporter := &fakeReporter{}
	svc := &Service{runner: runner, events: reporter}

	err := svc.HandleExecuteRun(context.Background(), newRunTask(t, queue.ExecuteRunPayload{RunID: "r1"}))
	require.Error(t, err)

	require.Len(t, reporter.events, 2)
	require.Equal(t, EventStarted, reporter.events[0].event)
	require.Equal(t, recordedEvent{runID: "r1", event: EventFailed, errMsg: "tests failed"}, reporter.events[1])
}

func TestHandleExecuteRunRejectsBadPayload(t *testing.T) {
	reporter := &fakeReporter{}
	svc := &Service{runner: &fakeRunner{}, events: reporter}

	err := svc.HandleExecuteRun(context.Background(), asynq.NewTask(queue.ExecuteRunTask, []byte("{not json")))
	require.Error(t, err)
	require.Empty(t, reporter.events)
}
