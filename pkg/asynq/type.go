package asynq

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

const (
	// ExecuteRunTask carries one unit of work for a task run. The worker
	// binary consumes it and reports job lifecycle events back over HTTP.
	ExecuteRunTask = "run:execute"
)

type ExecuteRunPayload struct {
	RunID          string `json:"run_id"`
	TaskID         string `json:"task_id"`
	ExternalRef    string `json:"external_ref"`
	TriggerType    string `json:"trigger_type"`
	IsReactivation bool   `json:"is_reactivation"`
	WorkDescriptor string `json:"work_descriptor"`
}
