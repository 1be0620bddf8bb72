package progress

import (
	"bytes"
	"encoding/json"
	"time"
)

// Snapshot is the last known state of one task.
type Snapshot struct {
	TaskID         string          `json:"task_id"`
	Kind           string          `json:"kind,omitempty"`
	ProjectID      string          `json:"project_id,omitempty"`
	Status         Status          `json:"status"`
	Progress       int             `json:"progress"`
	CurrentStep    string          `json:"current_step,omitempty"`
	ProcessedItems int64           `json:"processed_items"`
	TotalItems     int64           `json:"total_items"`
	Result         json.RawMessage `json:"result_data,omitempty"`
	Error          string          `json:"error_message,omitempty"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"timestamp"`
}

// Merge folds next into cur and reports whether the visible state changed.
//
// Highest progress and most advanced status win, never the latest arrival:
// a terminal next always beats a non-terminal cur, and a lower status or
// progress is dropped as stale. Once cur is terminal only a report of the
// same status is taken, and only to fill in what cur lacks.
// Empty fields in next never erase known values.
func Merge(cur, next Snapshot) (Snapshot, bool) {
	if cur.Status.Terminal() {
		if next.Status != cur.Status {
			return cur, false
		}
		m := fill(cur, next)
		return m, changed(cur, m)
	}
	if next.Status.rank() < cur.Status.rank() {
		return cur, false
	}
	if !next.Status.Terminal() && next.Progress < cur.Progress {
		return cur, false
	}

	m := cur
	if m.TaskID == "" {
		m.TaskID = next.TaskID
	}
	if next.Status != "" {
		m.Status = next.Status
	}
	m.Progress = max(cur.Progress, min(next.Progress, 100))
	if next.CurrentStep != "" {
		m.CurrentStep = next.CurrentStep
	}
	if next.TotalItems > 0 {
		m.TotalItems = next.TotalItems
	}
	if next.ProcessedItems > 0 {
		m.ProcessedItems = next.ProcessedItems
	}
	if next.Kind != "" {
		m.Kind = next.Kind
	}
	if next.ProjectID != "" {
		m.ProjectID = next.ProjectID
	}
	if len(next.Result) > 0 {
		m.Result = next.Result
	}
	if next.Error != "" {
		m.Error = next.Error
	}
	m.CreatedAt = firstTime(next.CreatedAt, cur.CreatedAt)
	m.StartedAt = firstTime(next.StartedAt, cur.StartedAt)
	m.CompletedAt = firstTime(next.CompletedAt, cur.CompletedAt)
	if next.UpdatedAt.After(cur.UpdatedAt) {
		m.UpdatedAt = next.UpdatedAt
	}
	return settle(m), changed(cur, m)
}

// fill copies into a finished snapshot only the fields it does not know yet.
func fill(cur, next Snapshot) Snapshot {
	m := cur
	if m.CurrentStep == "" {
		m.CurrentStep = next.CurrentStep
	}
	if m.TotalItems == 0 {
		m.TotalItems = next.TotalItems
	}
	if m.ProcessedItems == 0 {
		m.ProcessedItems = next.ProcessedItems
	}
	if m.Kind == "" {
		m.Kind = next.Kind
	}
	if m.ProjectID == "" {
		m.ProjectID = next.ProjectID
	}
	if len(m.Result) == 0 {
		m.Result = next.Result
	}
	m.CreatedAt = firstTime(cur.CreatedAt, next.CreatedAt)
	m.StartedAt = firstTime(cur.StartedAt, next.StartedAt)
	m.CompletedAt = firstTime(cur.CompletedAt, next.CompletedAt)
	return settle(m)
}

func settle(m Snapshot) Snapshot {
	if m.Status == StatusCompleted {
		m.Progress = 100
		if m.TotalItems > 0 {
			m.ProcessedItems = m.TotalItems
		}
	}
	if m.Status == StatusCancelled && m.Error == "" {
		m.Error = CancelledMessage
	}
	return m
}

func firstTime(a, b *time.Time) *time.Time {
	if a != nil {
		return a
	}
	return b
}

func changed(a, b Snapshot) bool {
	return a.TaskID != b.TaskID ||
		a.Status != b.Status ||
		a.Progress != b.Progress ||
		a.CurrentStep != b.CurrentStep ||
		a.ProcessedItems != b.ProcessedItems ||
		a.TotalItems != b.TotalItems ||
		a.Error != b.Error ||
		!bytes.Equal(a.Result, b.Result)
}
