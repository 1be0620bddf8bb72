package usecase

import (
	"context"
	"time"

	"bulkops/internal/domain"
	"bulkops/internal/ports"

	"github.com/rs/zerolog/log"
)

// Enqueuer persists a new pending record and hands its id to the workers.
type Enqueuer struct {
	Store ports.TaskStore
	Q     ports.Queue
}

func (e Enqueuer) Now(ctx context.Context, t domain.Task) (string, error) {
	if err := e.Store.Create(ctx, t); err != nil {
		return "", err
	}
	streamID, err := e.Q.Enqueue(ctx, t)
	if err != nil {
		// nobody will ever claim it; close the record instead of leaving it pending
		now := time.Now().UTC()
		t.Status = domain.StatusFailed
		t.Error = "failed to enqueue task"
		t.CompletedAt = &now
		if _, terr := e.Store.Transition(context.WithoutCancel(ctx), t, domain.StatusPending); terr != nil {
			log.Ctx(ctx).Error().Err(terr).Str("task_id", t.ID).Msg("failed to close unqueued task")
		}
		return "", err
	}
	return streamID, nil
}
