package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bulkops/internal/config"
	"bulkops/internal/domain"
	"bulkops/internal/infra/redisq"
	"bulkops/internal/ports"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type memArchive struct {
	mu    sync.Mutex
	tasks []domain.Task
}

func (a *memArchive) Record(_ context.Context, t domain.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks = append(a.tasks, t)
	return nil
}

func (a *memArchive) List(_ context.Context, userID, _ string, _ int) ([]domain.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.Task
	for _, t := range a.tasks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (a *memArchive) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

type fixture struct {
	cli     *redisq.Client
	archive *memArchive
	svc     *TaskService
	cons    Consumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cli := redisq.NewWithClient(rdb, config.Redis{
		StreamKey:    "test:tasks",
		Group:        "test-workers",
		ActiveZSet:   "test:active",
		DLQStreamKey: "test:tasks:dlq",
	}, time.Hour)
	require.NoError(t, cli.Init(context.Background()))

	archive := &memArchive{}
	return &fixture{
		cli:     cli,
		archive: archive,
		svc: &TaskService{
			Store:   cli,
			Enq:     Enqueuer{Store: cli, Q: cli},
			Bus:     cli,
			Archive: archive,
		},
		cons: Consumer{
			Q:            cli,
			Store:        cli,
			Bus:          cli,
			Archive:      archive,
			ConsumerName: "test",
			Concurrency:  1,
			Block:        50 * time.Millisecond,
			CancelPoll:   10 * time.Millisecond,
			BaseBackoff:  10 * time.Millisecond,
			MaxBackoff:   50 * time.Millisecond,
		},
	}
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	id, err := f.svc.Create(context.Background(), CreateInput{
		UserID: "u1",
		Kind:   "generation",
		Params: json.RawMessage(`{"quantity":100}`),
	})
	require.NoError(t, err)
	return id
}

// claimAndProcess takes the next stream entry and runs it through the consumer.
func (f *fixture) claimAndProcess(t *testing.T, ctx context.Context, handle Handler) {
	t.Helper()
	id, streamID, err := f.cli.Claim(ctx, "test", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	f.cons.process(ctx, "test", id, streamID, handle)
}

func subscribe(t *testing.T, bus ports.EventBus) ports.Subscription {
	t.Helper()
	sub, err := bus.Subscribe(context.Background(), "u1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func nextEvent(t *testing.T, sub ports.Subscription) map[string]any {
	t.Helper()
	select {
	case raw := <-sub.Events():
		var ev map[string]any
		require.NoError(t, json.Unmarshal(raw, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestCreate_RejectsInvalidBeforeStoring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []CreateInput{
		{UserID: "", Kind: "generation", Params: json.RawMessage(`{"quantity":1}`)},
		{UserID: "u1", Kind: "teleport"},
		{UserID: "u1", Kind: "generation", Params: json.RawMessage(`{"quantity":0}`)},
		{UserID: "u1", Kind: "generation", Params: json.RawMessage(`{"quantity":"lots"}`)},
		{UserID: "u1", Kind: "import", Params: json.RawMessage(`{"source_path":"../etc/passwd.csv"}`)},
	}
	for _, in := range cases {
		_, err := f.svc.Create(ctx, in)
		require.ErrorIs(t, err, domain.ErrInvalidParams, "%+v", in)
	}

	list, err := f.svc.List(ctx, "u1", 10)
	require.NoError(t, err)
	require.Empty(t, list)
	n, err := f.cli.Rdb.XLen(ctx, "test:tasks").Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCreate_PersistsPendingAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	got, err := f.svc.Get(ctx, "u1", id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
	require.JSONEq(t, `{"quantity":100,"batch_size":1000}`, string(got.Params))

	_, err = f.svc.Get(ctx, "someone-else", id)
	require.ErrorIs(t, err, domain.ErrTaskNotFound)

	n, err := f.cli.Rdb.XLen(ctx, "test:tasks").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestCancel_Pending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := subscribe(t, f.cli)
	id := f.create(t)

	out, err := f.svc.Cancel(ctx, "u1", id)
	require.NoError(t, err)
	require.Equal(t, CancelOutput{TaskID: id, Status: domain.StatusCancelled, CancelRequested: true}, out)

	ev := nextEvent(t, sub)
	require.Equal(t, "task_failed", ev["type"])
	require.Equal(t, "cancelled", ev["status"])
	require.Equal(t, domain.CancelledMessage, ev["error_message"])
	require.Equal(t, 1, f.archive.len())

	// the worker skips the stale stream entry without running anything
	f.claimAndProcess(t, ctx, func(context.Context, domain.Task, ports.Reporter) (json.RawMessage, error) {
		t.Fatal("handler must not run for a cancelled task")
		return nil, nil
	})

	// a second cancel is a no-op
	out, err = f.svc.Cancel(ctx, "u1", id)
	require.NoError(t, err)
	require.False(t, out.CancelRequested)
	require.Equal(t, domain.StatusCancelled, out.Status)
}

func TestCancel_Terminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	f.claimAndProcess(t, ctx, func(context.Context, domain.Task, ports.Reporter) (json.RawMessage, error) {
		return json.RawMessage(`{"total_generated":100}`), nil
	})

	out, err := f.svc.Cancel(ctx, "u1", id)
	require.NoError(t, err)
	require.Equal(t, CancelOutput{TaskID: id, Status: domain.StatusCompleted}, out)

	_, err = f.svc.Cancel(ctx, "u2", id)
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestConsumer_CompletesWithMonotonicProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := subscribe(t, f.cli)
	id := f.create(t)

	f.claimAndProcess(t, ctx, func(ctx context.Context, task domain.Task, r ports.Reporter) (json.RawMessage, error) {
		require.Equal(t, domain.StatusInProgress, task.Status)
		r.Step(ctx, "generating")
		r.Progress(ctx, 10, 100)
		r.Progress(ctx, 45, 100)
		r.Progress(ctx, 30, 100)
		r.Progress(ctx, 80, 100)
		return json.RawMessage(`{"total_generated":100}`), nil
	})

	started := nextEvent(t, sub)
	require.Equal(t, "task_started", started["type"])
	require.Equal(t, "generation", started["task_name"])

	var seen []float64
	for range 4 {
		ev := nextEvent(t, sub)
		require.Equal(t, "task_progress", ev["type"])
		require.Equal(t, "generating", ev["current_step"])
		seen = append(seen, ev["progress"].(float64))
	}
	require.Equal(t, []float64{10, 45, 45, 80}, seen)

	done := nextEvent(t, sub)
	require.Equal(t, "task_completed", done["type"])
	require.Equal(t, map[string]any{"total_generated": float64(100)}, done["result_data"])

	got, err := f.svc.Get(ctx, "u1", id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, got.TotalItems, got.ProcessedItems)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, 1, f.archive.len())
}

func TestConsumer_FailureGoesToDLQ(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	f.claimAndProcess(t, ctx, func(context.Context, domain.Task, ports.Reporter) (json.RawMessage, error) {
		return nil, errors.New("area code exhausted")
	})

	got, err := f.svc.Get(ctx, "u1", id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Equal(t, "area code exhausted", got.Error)

	n, err := f.cli.Rdb.XLen(ctx, "test:tasks:dlq").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestConsumer_CancelWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	f.claimAndProcess(t, ctx, func(ctx context.Context, task domain.Task, r ports.Reporter) (json.RawMessage, error) {
		r.Progress(ctx, 5, 100)
		out, err := f.svc.Cancel(context.Background(), "u1", task.ID)
		require.NoError(t, err)
		require.True(t, out.CancelRequested)
		require.Equal(t, domain.StatusInProgress, out.Status)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return nil, errors.New("cancel was never observed")
		}
	})

	got, err := f.svc.Get(ctx, "u1", id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, got.Status)
	require.Equal(t, domain.CancelledMessage, got.Error)
	require.Equal(t, 5, got.Progress)

	n, err := f.cli.Rdb.XLen(ctx, "test:tasks:dlq").Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConsumer_Run(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ran := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- f.cons.Run(ctx, func(context.Context, domain.Task, ports.Reporter) (json.RawMessage, error) {
			close(ran)
			return nil, nil
		})
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not claimed")
	}
	require.Eventually(t, func() bool {
		got, err := f.svc.Get(context.Background(), "u1", id)
		return err == nil && got.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}

// flakyStore fails the first n Get calls as a dropped connection would.
type flakyStore struct {
	ports.TaskStore
	n atomic.Int32
}

func (s *flakyStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	if s.n.Add(-1) >= 0 {
		return nil, errors.New("read tcp 127.0.0.1:6379: i/o timeout")
	}
	return s.TaskStore.Get(ctx, id)
}

func runUntilCompleted(t *testing.T, f *fixture, id string) int32 {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	errc := make(chan error, 1)
	go func() {
		errc <- f.cons.Run(ctx, func(context.Context, domain.Task, ports.Reporter) (json.RawMessage, error) {
			runs.Add(1)
			return json.RawMessage(`{"ok":true}`), nil
		})
	}()
	defer func() {
		cancel()
		<-errc
	}()

	require.Eventually(t, func() bool {
		got, err := f.svc.Get(context.Background(), "u1", id)
		return err == nil && got.Status == domain.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	return runs.Load()
}

func TestConsumer_ReclaimsEntryAfterLoadError(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{TaskStore: f.cli}
	store.n.Store(1)
	f.cons.Store = store
	f.cons.ReclaimIdle = 100 * time.Millisecond
	id := f.create(t)

	require.Equal(t, int32(1), runUntilCompleted(t, f, id))

	pending, err := f.cli.Rdb.XPending(context.Background(), "test:tasks", "test-workers").Result()
	require.NoError(t, err)
	require.Zero(t, pending.Count)
}

func TestConsumer_ReclaimsEntryOfDeadWorker(t *testing.T) {
	f := newFixture(t)
	f.cons.ReclaimIdle = 100 * time.Millisecond
	id := f.create(t)

	// delivered to a consumer that never got to start the task
	claimed, _, err := f.cli.Claim(context.Background(), "gone", 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, id, claimed)

	require.Equal(t, int32(1), runUntilCompleted(t, f, id))
}

func TestReaper_FailsStaleTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	task, err := f.cli.Get(ctx, id)
	require.NoError(t, err)
	started := time.Now().Add(-10 * time.Minute).UTC()
	task.Status = domain.StatusInProgress
	task.StartedAt = &started
	ok, err := f.cli.Transition(ctx, *task, domain.StatusPending)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.cli.Heartbeat(ctx, id, started))
	require.NoError(t, f.cli.Heartbeat(ctx, "vanished", started))

	r := &Reaper{Store: f.cli, Bus: f.cli, Archive: f.archive, StaleAfter: time.Minute}
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, "u1", id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Equal(t, StaleMessage, got.Error)

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	_, err := (&TaskService{}).History(context.Background(), "u1", "", 10)
	require.ErrorIs(t, err, ErrArchiveDisabled)

	id := f.create(t)
	_, err = f.svc.Cancel(context.Background(), "u1", id)
	require.NoError(t, err)

	list, err := f.svc.History(context.Background(), "u1", "", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].ID)
}
