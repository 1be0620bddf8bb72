package ports

import (
	"context"
	"time"

	"bulkops/internal/domain"
)

// Queue carries task ids from the API to the workers.
type Queue interface {
	Enqueue(ctx context.Context, t domain.Task) (string /*streamID*/, error)
	Claim(ctx context.Context, consumer string, block time.Duration) (taskID string, streamID string, err error)
	// Reclaim takes over entries delivered to any consumer and left unacked
	// for at least minIdle.
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Delivery, error)
	Ack(ctx context.Context, streamID string) error
	ToDLQ(ctx context.Context, streamID string, t domain.Task, reason string) error
}

type Delivery struct {
	TaskID   string
	StreamID string
}

// TaskStore persists task records. Every status write is a compare-and-set on
// the current status; ok is false when the record was not in the expected state.
type TaskStore interface {
	Create(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Task, error)
	Transition(ctx context.Context, t domain.Task, from domain.TaskStatus) (ok bool, err error)
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	Heartbeat(ctx context.Context, id string, at time.Time) error
	Stale(ctx context.Context, before time.Time, limit int) ([]string, error)
	Forget(ctx context.Context, id string) error
}

// Reporter is handed to a running operation to publish its progress. Step
// only labels the next Progress call.
type Reporter interface {
	Step(ctx context.Context, label string)
	Progress(ctx context.Context, processed, total int64)
}

// EventBus fans task events out to API processes holding WebSocket sessions.
type EventBus interface {
	Publish(ctx context.Context, ev domain.Event) error
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

type Subscription interface {
	Events() <-chan []byte
	Close() error
}

// NumberStore holds the phone number sets the bulk operations work on.
type NumberStore interface {
	AddNumbers(ctx context.Context, userID, project string, filter domain.NumberFilter, numbers []string) (int64, error)
	CountNumbers(ctx context.Context, userID, project string, filter domain.NumberFilter) (int64, error)
	ScanNumbers(ctx context.Context, userID, project string, filter domain.NumberFilter, cursor uint64, count int64) ([]string, uint64, error)
}

// Archive keeps the permanent history of terminal tasks.
type Archive interface {
	Record(ctx context.Context, t domain.Task) error
	List(ctx context.Context, userID, projectID string, limit int) ([]domain.Task, error)
}
