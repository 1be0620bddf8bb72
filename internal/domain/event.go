package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventTaskStarted           EventType = "task_started"
	EventTaskProgress          EventType = "task_progress"
	EventTaskCompleted         EventType = "task_completed"
	EventTaskFailed            EventType = "task_failed"
)

// Event is the wire message pushed to subscribers. Counters are pointers so
// that a task_progress message always carries them, even when zero, while the
// other event types omit them.
type Event struct {
	Type           EventType       `json:"type"`
	TaskID         string          `json:"task_id,omitempty"`
	TaskName       string          `json:"task_name,omitempty"`
	Status         TaskStatus      `json:"status,omitempty"`
	Progress       *int            `json:"progress,omitempty"`
	CurrentStep    string          `json:"current_step,omitempty"`
	ProcessedItems *int64          `json:"processed_items,omitempty"`
	TotalItems     *int64          `json:"total_items,omitempty"`
	ResultData     json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Timestamp      time.Time       `json:"timestamp,omitzero"`

	// UserID routes the event on the bus; it is not sent to clients.
	UserID string `json:"-"`
}

func ConnectionEstablished() Event {
	return Event{Type: EventConnectionEstablished}
}

func StartedEvent(t Task, at time.Time) Event {
	return Event{
		Type:      EventTaskStarted,
		TaskID:    t.ID,
		TaskName:  string(t.Kind),
		Timestamp: at,
		UserID:    t.UserID,
	}
}

func ProgressEvent(t Task, at time.Time) Event {
	progress, processed, total := t.Progress, t.ProcessedItems, t.TotalItems
	return Event{
		Type:           EventTaskProgress,
		TaskID:         t.ID,
		Status:         t.Status,
		Progress:       &progress,
		CurrentStep:    t.CurrentStep,
		ProcessedItems: &processed,
		TotalItems:     &total,
		Timestamp:      at,
		UserID:         t.UserID,
	}
}

// TerminalEvent builds the event announcing t's terminal status. Cancelled
// tasks are announced as task_failed with status cancelled.
func TerminalEvent(t Task, at time.Time) Event {
	if t.Status == StatusCompleted {
		return Event{
			Type:       EventTaskCompleted,
			TaskID:     t.ID,
			Status:     t.Status,
			ResultData: t.Result,
			Timestamp:  at,
			UserID:     t.UserID,
		}
	}
	return Event{
		Type:         EventTaskFailed,
		TaskID:       t.ID,
		Status:       t.Status,
		ErrorMessage: t.Error,
		Timestamp:    at,
		UserID:       t.UserID,
	}
}
