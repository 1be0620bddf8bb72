// Package progress tracks background tasks from the client side. A single
// Controller owns one push connection, polls when push is unavailable and
// fans task updates out to any number of observers.
package progress

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// CancelledMessage is the error text the server stores on cancelled tasks.
const CancelledMessage = "cancelled by user"

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// rank orders statuses for the staleness rule. Unknown statuses rank lowest.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	default:
		return 0
	}
}
