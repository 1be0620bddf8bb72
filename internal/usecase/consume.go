package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bulkops/internal/domain"
	"bulkops/internal/ports"
	"bulkops/pkg/backoff"

	"github.com/rs/zerolog/log"
)

// Handler runs one task and returns its result payload.
type Handler func(ctx context.Context, t domain.Task, r ports.Reporter) (json.RawMessage, error)

type Consumer struct {
	Q       ports.Queue
	Store   ports.TaskStore
	Bus     ports.EventBus
	Archive ports.Archive

	ConsumerName string
	Concurrency  int
	Block        time.Duration
	CancelPoll   time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	// ReclaimIdle is how long a delivered entry may stay unacked before a
	// consumer takes it over. Zero disables reclaiming.
	ReclaimIdle time.Duration
}

// Run claims tasks on Concurrency goroutines until ctx is done.
func (c Consumer) Run(ctx context.Context, handle Handler) error {
	n := max(c.Concurrency, 1)
	var wg sync.WaitGroup
	for i := range n {
		name := c.ConsumerName
		if n > 1 {
			name = fmt.Sprintf("%s-%d", c.ConsumerName, i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx, name, handle)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (c Consumer) loop(ctx context.Context, consumer string, handle Handler) {
	block := c.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	failures := 0
	var reclaimed time.Time
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.ReclaimIdle > 0 && time.Since(reclaimed) >= c.ReclaimIdle/2 {
			reclaimed = time.Now()
			c.reclaim(ctx, consumer, handle)
		}

		id, streamID, err := c.Q.Claim(ctx, consumer, block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := backoff.ExponentialJitter(c.BaseBackoff, c.MaxBackoff, failures)
			log.Ctx(ctx).Warn().Err(err).Str("consumer", consumer).Dur("retry_in", delay).Msg("claim failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
		if id == "" {
			continue
		}
		c.process(ctx, consumer, id, streamID, handle)
	}
}

// reclaim runs entries that an earlier delivery never acked: a load error,
// or a worker that died before the task started.
func (c Consumer) reclaim(ctx context.Context, consumer string, handle Handler) {
	entries, err := c.Q.Reclaim(ctx, consumer, c.ReclaimIdle, 16)
	if err != nil {
		if ctx.Err() == nil {
			log.Ctx(ctx).Warn().Err(err).Str("consumer", consumer).Msg("reclaim failed")
		}
		return
	}
	for _, e := range entries {
		log.Ctx(ctx).Info().Str("task_id", e.TaskID).Str("consumer", consumer).Msg("reclaimed idle entry")
		c.process(ctx, consumer, e.TaskID, e.StreamID, handle)
	}
}

func (c Consumer) process(ctx context.Context, consumer, id, streamID string, handle Handler) {
	logger := log.With().Str("task_id", id).Str("consumer", consumer).Logger()
	ctx = logger.WithContext(ctx)
	wctx := context.WithoutCancel(ctx)

	t, err := c.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			logger.Warn().Msg("task record missing, dropping entry")
			_ = c.Q.Ack(wctx, streamID)
			return
		}
		// left unacked; reclaim retries it once it has been idle long enough
		logger.Error().Err(err).Msg("failed to load task")
		return
	}
	if t.Status != domain.StatusPending {
		logger.Info().Str("status", string(t.Status)).Msg("task no longer pending, skipping")
		_ = c.Q.Ack(wctx, streamID)
		return
	}

	now := time.Now().UTC()
	t.Status = domain.StatusInProgress
	t.StartedAt = &now
	ok, err := c.Store.Transition(ctx, *t, domain.StatusPending)
	if err != nil || !ok {
		logger.Info().Err(err).Msg("task was not claimable, skipping")
		_ = c.Q.Ack(wctx, streamID)
		return
	}
	_ = c.Store.Heartbeat(ctx, t.ID, now)
	if err := c.Bus.Publish(ctx, domain.StartedEvent(*t, now)); err != nil {
		logger.Warn().Err(err).Msg("failed to publish task_started")
	}
	logger.Info().Str("kind", string(t.Kind)).Msg("task started")

	opCtx, abort := context.WithCancel(ctx)
	defer abort()
	rep := &reporter{store: c.Store, bus: c.Bus, task: *t, abort: abort}

	var cancelled atomic.Bool
	watchCtx, stopWatch := context.WithCancel(opCtx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		c.watch(watchCtx, t.ID, &cancelled, abort)
	}()

	result, runErr := handle(opCtx, *t, rep)
	stopWatch()
	<-watched

	final, lost := rep.snapshot()
	if lost {
		logger.Info().Msg("task was ended elsewhere while running")
		_ = c.Q.Ack(wctx, streamID)
		return
	}

	done := time.Now().UTC()
	final.CompletedAt = &done
	switch {
	case runErr == nil:
		final.Status = domain.StatusCompleted
		final.Result = result
		final.Progress = 100
		if final.TotalItems <= 0 {
			final.TotalItems = final.ProcessedItems
		}
		final.ProcessedItems = final.TotalItems
	case cancelled.Load():
		final.Status = domain.StatusCancelled
		final.Error = domain.CancelledMessage
	case ctx.Err() != nil:
		final.Status = domain.StatusFailed
		final.Error = "worker stopped before the task finished"
	default:
		final.Status = domain.StatusFailed
		final.Error = runErr.Error()
	}

	if _, err := finish(wctx, c.Store, c.Bus, c.Archive, final, domain.StatusInProgress); err != nil {
		logger.Error().Err(err).Msg("failed to write terminal state")
	}

	if final.Status == domain.StatusFailed {
		if err := c.Q.ToDLQ(wctx, streamID, final, final.Error); err != nil {
			logger.Error().Err(err).Msg("failed to move task to dlq")
		}
		return
	}
	_ = c.Q.Ack(wctx, streamID)
}

// watch refreshes the task heartbeat and aborts the operation once a cancel
// was requested.
func (c Consumer) watch(ctx context.Context, id string, cancelled *atomic.Bool, abort context.CancelFunc) {
	every := c.CancelPoll
	if every <= 0 {
		every = time.Second
	}
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			_ = c.Store.Heartbeat(ctx, id, now)
			requested, err := c.Store.CancelRequested(ctx, id)
			if err != nil {
				log.Ctx(ctx).Debug().Err(err).Msg("cancel check failed")
				continue
			}
			if requested {
				log.Ctx(ctx).Info().Msg("cancel requested, stopping task")
				cancelled.Store(true)
				abort()
				return
			}
		}
	}
}
