package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"autodev-controlplane/pkg/config"

	"go.uber.org/zap"
)

const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Reporter delivers job lifecycle events to the control plane. Delivery is
// best effort: the sweeper on the control-plane side reconciles anything a
// lost event leaves behind.
type Reporter interface {
	Report(ctx context.Context, jobID, runID, event, errMsg string)
}

type HTTPReporter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPReporter(cfg *config.Config) Reporter {
	return &HTTPReporter{
		baseURL: cfg.Worker.ControlPlaneURL,
		client:  &http.Client{Timeout: cfg.Worker.ReportTimeout},
	}
}

type jobEventBody struct {
	JobID string `json:"job_id"`
	RunID string `json:"run_id"`
	Event string `json:"event"`
	Error string `json:"error,omitempty"`
}

func (r *HTTPReporter) Report(ctx context.Context, jobID, runID, event, errMsg string) {
	body, err := json.Marshal(jobEventBody{
		JobID: jobID,
		RunID: runID,
		Event: event,
		Error: errMsg,
	})
	if err != nil {
		zap.L().Error("failed to encode job event", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/jobs/events", bytes.NewReader(body))
	if err != nil {
		zap.L().Error("failed to build job event request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		zap.L().Warn("job event delivery failed",
			zap.String("job_id", jobID),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		zap.L().Warn("job event rejected",
			zap.String("job_id", jobID),
			zap.String("event", event),
			zap.Error(fmt.Errorf("unexpected status %d", resp.StatusCode)),
		)
	}
}
