package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// CancelledMessage is the error text stored on tasks that ended by cancellation.
const CancelledMessage = "cancelled by user"

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition implements pending -> in_progress -> {completed|failed|cancelled}.
// in_progress -> in_progress is allowed so progress updates can be written
// through the same guarded path. A pending task may end without ever starting.
func CanTransition(from, to TaskStatus) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to != StatusPending
	case StatusInProgress:
		return to != StatusPending
	}
	return false
}

type Kind string

const (
	KindGeneration  Kind = "generation"
	KindValidation  Kind = "validation"
	KindExport      Kind = "export"
	KindImport      Kind = "import"
	KindBulkSMSSend Kind = "bulk_sms_send"
)

// AllKinds lists every supported operation kind in a stable order.
var AllKinds = []Kind{KindGeneration, KindValidation, KindExport, KindImport, KindBulkSMSSend}

func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", ErrUnknownKind
}

// DefaultProject is used for number sets when a task carries no project id.
const DefaultProject = "default"

type Task struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	ProjectID      string          `json:"project_id,omitempty"`
	Kind           Kind            `json:"kind"`
	Status         TaskStatus      `json:"status"`
	Progress       int             `json:"progress"`
	ProcessedItems int64           `json:"processed_items"`
	TotalItems     int64           `json:"total_items"`
	CurrentStep    string          `json:"current_step,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Project returns the project the task's number sets live under.
func (t Task) Project() string {
	if t.ProjectID == "" {
		return DefaultProject
	}
	return t.ProjectID
}

// Percent converts item counts into a 0..100 progress value.
func Percent(processed, total int64) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	if processed >= total {
		return 100
	}
	return int(processed * 100 / total)
}
