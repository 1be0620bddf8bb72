package usecase

import (
	"context"
	"sync"
	"time"

	"bulkops/internal/domain"
	"bulkops/internal/ports"

	"github.com/rs/zerolog/log"
)

// reporter writes progress of a running task. Percent never goes down, and
// once a write is rejected the task is treated as ended elsewhere.
type reporter struct {
	store ports.TaskStore
	bus   ports.EventBus
	abort context.CancelFunc

	mu   sync.Mutex
	task domain.Task
	lost bool
}

var _ ports.Reporter = (*reporter)(nil)

// Step sets the label sent with the next progress update.
func (r *reporter) Step(_ context.Context, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if label != "" {
		r.task.CurrentStep = label
	}
}

func (r *reporter) Progress(ctx context.Context, processed, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lost {
		return
	}
	processed, total = max(processed, 0), max(total, 0)
	if total > 0 && processed > total {
		processed = total
	}
	pct := max(domain.Percent(processed, total), r.task.Progress)
	r.task.Progress = min(pct, 100)
	r.task.ProcessedItems = processed
	r.task.TotalItems = total
	r.save(ctx)
}

func (r *reporter) save(ctx context.Context) {
	ok, err := r.store.Transition(ctx, r.task, domain.StatusInProgress)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("failed to save progress")
		return
	}
	if !ok {
		r.lost = true
		r.abort()
		return
	}
	now := time.Now().UTC()
	_ = r.store.Heartbeat(ctx, r.task.ID, now)
	if err := r.bus.Publish(ctx, domain.ProgressEvent(r.task, now)); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("failed to publish progress")
	}
}

func (r *reporter) snapshot() (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task, r.lost
}
