package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Event is one push message. The set of implementations is closed:
// ConnectionEstablished, TaskStarted, TaskProgress, TaskCompleted, TaskFailed.
type Event interface {
	eventType() string
}

type ConnectionEstablished struct{}

type TaskStarted struct {
	TaskID    string
	TaskName  string
	Timestamp time.Time
}

type TaskProgress struct {
	TaskID         string
	Status         Status
	Progress       int
	CurrentStep    string
	ProcessedItems int64
	TotalItems     int64
	Timestamp      time.Time
}

type TaskCompleted struct {
	TaskID     string
	Status     Status
	ResultData json.RawMessage
	Timestamp  time.Time
}

// TaskFailed carries both failed and cancelled outcomes; Status tells them apart.
type TaskFailed struct {
	TaskID       string
	Status       Status
	ErrorMessage string
	Timestamp    time.Time
}

func (ConnectionEstablished) eventType() string { return "connection_established" }
func (TaskStarted) eventType() string           { return "task_started" }
func (TaskProgress) eventType() string          { return "task_progress" }
func (TaskCompleted) eventType() string         { return "task_completed" }
func (TaskFailed) eventType() string            { return "task_failed" }

type wireEvent struct {
	Type           string          `json:"type"`
	TaskID         string          `json:"task_id"`
	TaskName       string          `json:"task_name"`
	Status         Status          `json:"status"`
	Progress       int             `json:"progress"`
	CurrentStep    string          `json:"current_step"`
	ProcessedItems int64           `json:"processed_items"`
	TotalItems     int64           `json:"total_items"`
	ResultData     json.RawMessage `json:"result_data"`
	ErrorMessage   string          `json:"error_message"`
	Timestamp      time.Time       `json:"timestamp"`
}

// DecodeEvent parses a push message. Unknown types fail with ErrUnknownEvent.
func DecodeEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := sonic.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if w.Type != "connection_established" && w.TaskID == "" {
		return nil, fmt.Errorf("decode event: %s without task_id", w.Type)
	}

	switch w.Type {
	case "connection_established":
		return ConnectionEstablished{}, nil
	case "task_started":
		return TaskStarted{TaskID: w.TaskID, TaskName: w.TaskName, Timestamp: w.Timestamp}, nil
	case "task_progress":
		return TaskProgress{
			TaskID:         w.TaskID,
			Status:         w.Status,
			Progress:       w.Progress,
			CurrentStep:    w.CurrentStep,
			ProcessedItems: w.ProcessedItems,
			TotalItems:     w.TotalItems,
			Timestamp:      w.Timestamp,
		}, nil
	case "task_completed":
		st := w.Status
		if st == "" {
			st = StatusCompleted
		}
		return TaskCompleted{TaskID: w.TaskID, Status: st, ResultData: w.ResultData, Timestamp: w.Timestamp}, nil
	case "task_failed":
		st := w.Status
		if st != StatusCancelled {
			st = StatusFailed
		}
		return TaskFailed{TaskID: w.TaskID, Status: st, ErrorMessage: w.ErrorMessage, Timestamp: w.Timestamp}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Type)
	}
}

// snapshotOf converts a task event into the partial snapshot it reports.
// ok is false for events that do not concern a task.
func snapshotOf(ev Event) (Snapshot, bool) {
	switch e := ev.(type) {
	case TaskStarted:
		return Snapshot{TaskID: e.TaskID, Kind: e.TaskName, Status: StatusInProgress, UpdatedAt: e.Timestamp}, true
	case TaskProgress:
		st := e.Status
		if st == "" {
			st = StatusInProgress
		}
		return Snapshot{
			TaskID:         e.TaskID,
			Status:         st,
			Progress:       e.Progress,
			CurrentStep:    e.CurrentStep,
			ProcessedItems: e.ProcessedItems,
			TotalItems:     e.TotalItems,
			UpdatedAt:      e.Timestamp,
		}, true
	case TaskCompleted:
		return Snapshot{TaskID: e.TaskID, Status: e.Status, Result: e.ResultData, UpdatedAt: e.Timestamp}, true
	case TaskFailed:
		return Snapshot{TaskID: e.TaskID, Status: e.Status, Error: e.ErrorMessage, UpdatedAt: e.Timestamp}, true
	case ConnectionEstablished:
		return Snapshot{}, false
	default:
		panic(fmt.Sprintf("progress: unhandled event %T", ev))
	}
}
