package reactivation

import (
	"context"
	"encoding/json"

	queue "autodev-controlplane/pkg/asynq"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Executor is the external asynchronous job-execution system. The controller
// only submits work and cancels jobs; the executor reports lifecycle events
// back through the job-event endpoint.
type Executor interface {
	SubmitJob(ctx context.Context, payload queue.ExecuteRunPayload) (jobID string, err error)
	CancelJob(ctx context.Context, jobID string) error
}

type asynqExecutor struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

type ExecutorParams struct {
	fx.In
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

func NewAsynqExecutor(p ExecutorParams) Executor {
	return &asynqExecutor{
		client:    p.Client,
		inspector: p.Inspector,
	}
}

func (e *asynqExecutor) SubmitJob(ctx context.Context, payload queue.ExecuteRunPayload) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	info, err := e.client.EnqueueContext(ctx, asynq.NewTask(queue.ExecuteRunTask, b), asynq.Queue(queue.QueueDefault))
	if err != nil {
		return "", err
	}

	zap.L().Info("submitted run job",
		zap.String("job_id", info.ID),
		zap.String("run_id", payload.RunID),
		zap.String("queue", info.Queue),
	)
	return info.ID, nil
}

// CancelJob is best effort: a queued job is deleted, a running one gets a
// cancellation signal. The controller does not wait for confirmation.
func (e *asynqExecutor) CancelJob(ctx context.Context, jobID string) error {
	if err := e.inspector.DeleteTask(queue.QueueDefault, jobID); err == nil {
		return nil
	}
	if err := e.inspector.CancelProcessing(jobID); err != nil {
		zap.L().Warn("failed to cancel job", zap.String("job_id", jobID), zap.Error(err))
		return err
	}
	return nil
}
