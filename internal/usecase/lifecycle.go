package usecase

import (
	"context"
	"time"

	"bulkops/internal/domain"
	"bulkops/internal/ports"

	"github.com/rs/zerolog/log"
)

// StaleMessage is stored on tasks whose worker stopped sending heartbeats.
const StaleMessage = "worker heartbeat lost"

// finish writes t's terminal state if the record still has status from, then
// announces and archives it. ok is false when another writer ended the task first.
func finish(ctx context.Context, store ports.TaskStore, bus ports.EventBus, archive ports.Archive, t domain.Task, from domain.TaskStatus) (bool, error) {
	ok, err := store.Transition(ctx, t, from)
	if err != nil || !ok {
		return ok, err
	}

	logger := log.Ctx(ctx).With().Str("task_id", t.ID).Logger()
	if err := bus.Publish(ctx, domain.TerminalEvent(t, time.Now().UTC())); err != nil {
		logger.Warn().Err(err).Msg("failed to publish terminal event")
	}
	if archive != nil {
		if err := archive.Record(ctx, t); err != nil {
			logger.Warn().Err(err).Msg("failed to archive task")
		}
	}
	logger.Info().Str("status", string(t.Status)).Msg("task finished")
	return true, nil
}
