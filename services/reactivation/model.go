package reactivation

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// TriggerType identifies what kind of external signal asked for a reactivation.
type TriggerType string

const (
	TriggerUpdate    TriggerType = "update"
	TriggerManual    TriggerType = "manual"
	TriggerRetry     TriggerType = "retry"
	TriggerScheduled TriggerType = "scheduled"
	TriggerAPI       TriggerType = "api"
	TriggerWebhook   TriggerType = "webhook"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerUpdate, TriggerManual, TriggerRetry, TriggerScheduled, TriggerAPI, TriggerWebhook:
		return true
	}
	return false
}

// Task is the durable record of one logical unit of work. Status changes go
// through ValidateTransition only; the lock and cooldown fields are owned by
// LockManager and CooldownPolicy.
type Task struct {
	ID          string     `gorm:"column:id;primaryKey;type:varchar(32)"`
	ExternalRef string     `gorm:"column:external_ref;uniqueIndex;type:varchar(100);not null"`
	Title       string     `gorm:"column:title;type:text"`
	Status      TaskStatus `gorm:"column:status;type:varchar(20);default:'pending';index"`
	// PreviousStatus keeps the last status before the current one for audit.
	PreviousStatus TaskStatus `gorm:"column:previous_status;type:varchar(20)"`

	IsLocked bool       `gorm:"column:is_locked;default:false"`
	LockedAt *time.Time `gorm:"column:locked_at"`
	LockedBy string     `gorm:"column:locked_by;type:varchar(100)"`

	ReactivationCount          int        `gorm:"column:reactivation_count;default:0"`
	FailedReactivationAttempts int        `gorm:"column:failed_reactivation_attempts;default:0"`
	LastReactivationAttempt    *time.Time `gorm:"column:last_reactivation_attempt"`
	CooldownUntil              *time.Time `gorm:"column:cooldown_until"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	Runs []Run `gorm:"foreignKey:TaskID"`
}

// Run is one execution attempt of a task. A run may span several executor
// jobs when reactivations supersede in-flight work; in steady state at most
// one job ID in ActiveJobIDs is live.
type Run struct {
	ID     string `gorm:"column:id;primaryKey;type:varchar(32)"`
	Code   string `gorm:"column:code;type:varchar(30)"`
	TaskID string `gorm:"column:task_id;index;not null"`

	ActiveJobIDs datatypes.JSON `gorm:"column:active_job_ids"`
	// ActiveJobCount mirrors len(ActiveJobIDs) so views and the audit sweep
	// can filter without dialect-specific JSON predicates.
	ActiveJobCount int        `gorm:"column:active_job_count;default:0;index"`
	LastJobID      string     `gorm:"column:last_job_id;type:varchar(64)"`
	LastJobOutcome string         `gorm:"column:last_job_outcome;type:varchar(20)"`
	JobStartedAt   *time.Time     `gorm:"column:job_started_at"`
	JobFinishedAt  *time.Time     `gorm:"column:job_finished_at"`
	IsReactivation bool           `gorm:"column:is_reactivation;default:false"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// ActiveJobs decodes the active set. A nil or corrupt column reads as empty.
func (r *Run) ActiveJobs() []string {
	if len(r.ActiveJobIDs) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(r.ActiveJobIDs, &ids); err != nil {
		return nil
	}
	return ids
}

func (r *Run) SetActiveJobs(ids []string) {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	r.ActiveJobIDs = datatypes.JSON(b)
}

// Decision values recorded on a ReactivationAttempt.
const (
	DecisionPending  = "pending"
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
)

// Reason is the stable rejection reason code surfaced to callers.
type Reason string

const (
	ReasonIllegalTransition        Reason = "ILLEGAL_TRANSITION"
	ReasonConcurrentAttempt        Reason = "CONCURRENT_ATTEMPT"
	ReasonThrottled                Reason = "THROTTLED"
	ReasonMaxReactivationsExceeded Reason = "MAX_REACTIVATIONS_EXCEEDED"
	ReasonAlreadyActive            Reason = "ALREADY_ACTIVE"
	ReasonInternalError            Reason = "INTERNAL_ERROR"
)

// ReactivationAttempt is one append-only ledger row per call into the
// orchestrator. It is never mutated after CompletedAt is set.
type ReactivationAttempt struct {
	ID     string  `gorm:"column:id;primaryKey;type:varchar(32)"`
	Code   string  `gorm:"column:code;type:varchar(30)"`
	TaskID string  `gorm:"column:task_id;index;not null"`
	RunID  *string `gorm:"column:run_id;index"`

	TriggerType     TriggerType    `gorm:"column:trigger_type;type:varchar(20);not null"`
	TriggerSource   string         `gorm:"column:trigger_source;type:varchar(100)"`
	RequestedStatus TaskStatus     `gorm:"column:requested_status;type:varchar(20)"`
	Payload         datatypes.JSON `gorm:"column:payload"`
	Confidence      *float64       `gorm:"column:confidence"`

	Decision            string `gorm:"column:decision;type:varchar(10);default:'pending';index"`
	Reason              Reason `gorm:"column:reason;type:varchar(40)"`
	PreviousJobsRevoked int    `gorm:"column:previous_jobs_revoked;default:0"`
	ErrorMsg            string `gorm:"column:error_msg;type:text"`

	ReceivedAt  time.Time  `gorm:"column:received_at;index"`
	DecidedAt   *time.Time `gorm:"column:decided_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	DurationMs  *int64     `gorm:"column:duration_ms"`
}
