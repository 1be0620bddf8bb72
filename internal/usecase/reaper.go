package usecase

import (
	"context"
	"errors"
	"time"

	"bulkops/internal/domain"
	"bulkops/internal/ports"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Reaper fails running tasks whose worker went away.
type Reaper struct {
	Store      ports.TaskStore
	Bus        ports.EventBus
	Archive    ports.Archive
	StaleAfter time.Duration
}

// Run sweeps on the cron schedule spec until ctx is done.
func (r *Reaper) Run(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := r.Sweep(ctx)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("stale task sweep failed")
			return
		}
		if n > 0 {
			log.Ctx(ctx).Warn().Int("reaped", n).Msg("failed stale tasks")
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Sweep fails every in_progress task whose heartbeat is older than StaleAfter
// and returns how many it ended.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ids, err := r.Store.Stale(ctx, time.Now().Add(-r.StaleAfter), 128)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		t, err := r.Store.Get(ctx, id)
		if errors.Is(err, domain.ErrTaskNotFound) {
			_ = r.Store.Forget(ctx, id)
			continue
		}
		if err != nil {
			return reaped, err
		}
		if t.Status != domain.StatusInProgress {
			_ = r.Store.Forget(ctx, id)
			continue
		}

		now := time.Now().UTC()
		t.Status = domain.StatusFailed
		t.Error = StaleMessage
		t.CompletedAt = &now
		ok, err := finish(ctx, r.Store, r.Bus, r.Archive, *t, domain.StatusInProgress)
		if err != nil {
			return reaped, err
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}
