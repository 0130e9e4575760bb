package reactivation

import "fmt"

// TaskStatus is the lifecycle state of a tracked task.
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusProcessing   TaskStatus = "processing"
	StatusTesting      TaskStatus = "testing"
	StatusDebugging    TaskStatus = "debugging"
	StatusQualityCheck TaskStatus = "quality_check"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
)

// validTaskTransitions is the full transition table. completed is terminal;
// failed may re-enter the pipeline at pending or processing.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusTesting:   true,
		StatusDebugging: true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusTesting: {
		StatusQualityCheck: true,
		StatusDebugging:    true,
		StatusCompleted:    true,
		StatusFailed:       true,
	},
	StatusDebugging: {
		StatusTesting:   true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusQualityCheck: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusFailed: {
		StatusPending:    true,
		StatusProcessing: true,
	},
}

// activeEquivalentStatuses are the states in which a task has work in flight.
var activeEquivalentStatuses = map[TaskStatus]bool{
	StatusProcessing:   true,
	StatusTesting:      true,
	StatusDebugging:    true,
	StatusQualityCheck: true,
}

func (s TaskStatus) Valid() bool {
	_, ok := validTaskTransitions[s]
	return ok
}

func (s TaskStatus) Terminal() bool {
	return len(validTaskTransitions[s]) == 0
}

// ActiveEquivalent reports whether the status means the task is effectively running.
func (s TaskStatus) ActiveEquivalent() bool {
	return activeEquivalentStatuses[s]
}

// IllegalTransitionError reports a status change not present in the table.
type IllegalTransitionError struct {
	From TaskStatus
	To   TaskStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %q to %q", e.From, e.To)
}

// ValidateTransition enforces the state machine. A self-transition is always
// allowed so retried writes that re-assert the current status stay a no-op.
func ValidateTransition(from, to TaskStatus) error {
	if !from.Valid() {
		return &IllegalTransitionError{From: from, To: to}
	}
	if from == to {
		return nil
	}
	if !validTaskTransitions[from][to] {
		return &IllegalTransitionError{From: from, To: to}
	}
	return nil
}
