package worker

import (
	"context"
	"encoding/json"

	queue "autodev-controlplane/pkg/asynq"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Runner performs the actual work for one run. The AI implementation
// pipeline plugs in here; the default runner only logs.
type Runner interface {
	Run(ctx context.Context, payload queue.ExecuteRunPayload) error
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, payload queue.ExecuteRunPayload) error {
	zap.L().Info("no runner configured, skipping work",
		zap.String("run_id", payload.RunID),
		zap.String("task_id", payload.TaskID),
	)
	return nil
}

// Service consumes run-execution jobs from the queue and reports job
// lifecycle events back to the control plane.
type Service struct {
	runner Runner
	events Reporter
}

type Params struct {
	fx.In

	Runner Runner `optional:"true"`
	Events Reporter
}

func NewService(p Params) *Service {
	runner := p.Runner
	if runner == nil {
		runner = noopRunner{}
	}
	return &Service{
		runner: runner,
		events: p.Events,
	}
}

func (s *Service) HandleExecuteRun(ctx context.Context, t *asynq.Task) error {
	var payload queue.ExecuteRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid run payload", zap.Error(err))
		return err
	}

	jobID, _ := asynq.GetTaskID(ctx)

	zapLog := zap.L().With(
		zap.String("job_id", jobID),
		zap.String("run_id", payload.RunID),
		zap.String("task_id", payload.TaskID),
	)
	zapLog.Info("Processing run job")

	s.events.Report(ctx, jobID, payload.RunID, EventStarted, "")

	if err := s.runner.Run(ctx, payload); err != nil {
		zapLog.Error("run job failed", zap.Error(err))
		s.events.Report(ctx, jobID, payload.RunID, EventFailed, err.Error())
		return err
	}

	s.events.Report(ctx, jobID, payload.RunID, EventCompleted, "")
	zapLog.Info("Finished run job")
	return nil
}

func RegisterHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(queue.ExecuteRunTask, svc.HandleExecuteRun)
}

var Module = fx.Module("worker.service",
	fx.Provide(
		NewService,
		NewHTTPReporter,
	),
	fx.Invoke(RegisterHandlers),
)
