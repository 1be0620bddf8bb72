package redisq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bulkops/internal/config"
	"bulkops/internal/domain"
	"bulkops/internal/ports"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*Client, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewWithClient(rdb, config.Redis{
		StreamKey:    "test:tasks",
		Group:        "test-workers",
		ActiveZSet:   "test:active",
		DLQStreamKey: "test:tasks:dlq",
	}, time.Hour)
	require.NoError(t, c.Init(context.Background()))
	return c, s
}

func newTask(id, user string) domain.Task {
	return domain.Task{
		ID:        id,
		UserID:    user,
		ProjectID: "p1",
		Kind:      domain.KindGeneration,
		Status:    domain.StatusPending,
		Params:    json.RawMessage(`{"quantity":10,"batch_size":1000}`),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestTaskStore_CreateGet(t *testing.T) {
	c, _ := newMiniClient(t)
	ctx := context.Background()

	in := newTask("t1", "u1")
	require.NoError(t, c.Create(ctx, in))

	got, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, in.ID, got.ID)
	require.Equal(t, in.UserID, got.UserID)
	require.Equal(t, domain.StatusPending, got.Status)
	require.JSONEq(t, string(in.Params), string(got.Params))
	require.True(t, in.CreatedAt.Equal(got.CreatedAt))
	require.Nil(t, got.StartedAt)

	_, err = c.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestTaskStore_TransitionIsCompareAndSet(t *testing.T) {
	c, s := newMiniClient(t)
	ctx := context.Background()
	require.NoError(t, c.Create(ctx, newTask("t1", "u1")))

	task, err := c.Get(ctx, "t1")
	require.NoError(t, err)

	now := time.Now().UTC()
	task.Status = domain.StatusInProgress
	task.StartedAt = &now
	ok, err := c.Transition(ctx, *task, domain.StatusPending)
	require.NoError(t, err)
	require.True(t, ok)

	// a second claim of the same pending task loses
	ok, err = c.Transition(ctx, *task, domain.StatusPending)
	require.NoError(t, err)
	require.False(t, ok)

	task.Progress, task.ProcessedItems, task.TotalItems, task.CurrentStep = 40, 4, 10, "generating"
	ok, err = c.Transition(ctx, *task, domain.StatusInProgress)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.Heartbeat(ctx, "t1", now))

	got, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 40, got.Progress)
	require.Equal(t, "generating", got.CurrentStep)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, c.RequestCancel(ctx, "t1"))
	requested, err := c.CancelRequested(ctx, "t1")
	require.NoError(t, err)
	require.True(t, requested)

	task.Status = domain.StatusCompleted
	task.Result = json.RawMessage(`{"total_generated":10}`)
	ok, err = c.Transition(ctx, *task, domain.StatusInProgress)
	require.NoError(t, err)
	require.True(t, ok)

	// terminal: TTL applied, active index and cancel flag cleared
	require.Greater(t, s.TTL(taskKey("t1")), time.Duration(0))
	score, _ := c.Rdb.ZScore(ctx, c.Cfg.ActiveZSet, "t1").Result()
	require.Zero(t, score)
	requested, err = c.CancelRequested(ctx, "t1")
	require.NoError(t, err)
	require.False(t, requested)

	// no resurrection from a terminal state
	task.Status = domain.StatusCancelled
	_, err = c.Transition(ctx, *task, domain.StatusCompleted)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	// progress writes against the stale status are rejected silently
	task.Status = domain.StatusInProgress
	ok, err = c.Transition(ctx, *task, domain.StatusInProgress)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.Transition(ctx, newTask("nope", "u1"), domain.StatusPending)
	require.Error(t, err)
}

func TestTaskStore_TransitionMissing(t *testing.T) {
	c, _ := newMiniClient(t)
	task := newTask("ghost", "u1")
	task.Status = domain.StatusInProgress
	_, err := c.Transition(context.Background(), task, domain.StatusPending)
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestTaskStore_ListByUserPrunesExpired(t *testing.T) {
	c, s := newMiniClient(t)
	ctx := context.Background()

	a := newTask("a", "u1")
	b := newTask("b", "u1")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	require.NoError(t, c.Create(ctx, a))
	require.NoError(t, c.Create(ctx, b))
	require.NoError(t, c.Create(ctx, newTask("other", "u2")))

	list, err := c.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "b", list[0].ID, "newest first")

	s.Del(taskKey("a"))
	list, err = c.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	n, _ := c.Rdb.ZCard(ctx, userTasksKey("u1")).Result()
	require.Equal(t, int64(1), n)
}

func TestQueue_EnqueueClaimAckDLQ(t *testing.T) {
	c, _ := newMiniClient(t)
	ctx := context.Background()

	task := newTask("t1", "u1")
	_, err := c.Enqueue(ctx, task)
	require.NoError(t, err)

	id, streamID, err := c.Claim(ctx, "w1", 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "t1", id)
	require.NotEmpty(t, streamID)

	require.NoError(t, c.ToDLQ(ctx, streamID, task, "boom"))
	n, err := c.Rdb.XLen(ctx, c.Cfg.DLQStreamKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	pending, err := c.Rdb.XPending(ctx, c.Cfg.StreamKey, c.Cfg.Group).Result()
	require.NoError(t, err)
	require.Zero(t, pending.Count)
}

func TestQueue_ReclaimIdleEntries(t *testing.T) {
	c, _ := newMiniClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, newTask("t1", "u1"))
	require.NoError(t, err)
	_, streamID, err := c.Claim(ctx, "dead", 50*time.Millisecond)
	require.NoError(t, err)

	got, err := c.Reclaim(ctx, "w2", time.Hour, 10)
	require.NoError(t, err)
	require.Empty(t, got, "not idle long enough")

	time.Sleep(20 * time.Millisecond)
	got, err = c.Reclaim(ctx, "w2", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Equal(t, []ports.Delivery{{TaskID: "t1", StreamID: streamID}}, got)

	require.NoError(t, c.Ack(ctx, streamID))
	got, err = c.Reclaim(ctx, "w2", 0, 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestActiveIndex_Stale(t *testing.T) {
	c, _ := newMiniClient(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.Heartbeat(ctx, "old", now.Add(-5*time.Minute)))
	require.NoError(t, c.Heartbeat(ctx, "fresh", now))

	ids, err := c.Stale(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, ids)

	require.NoError(t, c.Forget(ctx, "old"))
	ids, err = c.Stale(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	c, _ := newMiniClient(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	task := newTask("t1", "u1")
	task.Status = domain.StatusInProgress
	task.Progress = 20
	require.NoError(t, c.Publish(ctx, domain.ProgressEvent(task, time.Now())))
	// another user's events never reach this subscription
	require.NoError(t, c.Publish(ctx, domain.ProgressEvent(newTask("t2", "u2"), time.Now())))

	select {
	case raw := <-sub.Events():
		var ev map[string]any
		require.NoError(t, json.Unmarshal(raw, &ev))
		require.Equal(t, "task_progress", ev["type"])
		require.Equal(t, "t1", ev["task_id"])
		require.EqualValues(t, 20, ev["progress"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case raw := <-sub.Events():
		t.Fatalf("unexpected event: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func TestNumbers(t *testing.T) {
	c, _ := newMiniClient(t)
	ctx := context.Background()

	added, err := c.AddNumbers(ctx, "u1", "p1", domain.FilterAll, []string{"+14155552671", "+14155552672", "+14155552671"})
	require.NoError(t, err)
	require.Equal(t, int64(2), added)

	added, err = c.AddNumbers(ctx, "u1", "p1", domain.FilterAll, nil)
	require.NoError(t, err)
	require.Zero(t, added)

	n, err := c.CountNumbers(ctx, "u1", "p1", domain.FilterAll)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	var all []string
	var cursor uint64
	for {
		batch, next, err := c.ScanNumbers(ctx, "u1", "p1", domain.FilterAll, cursor, 1)
		require.NoError(t, err)
		all = append(all, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	require.ElementsMatch(t, []string{"+14155552671", "+14155552672"}, all)
}
