package progress_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bulkops/internal/api"
	"bulkops/internal/config"
	"bulkops/internal/infra/redisq"
	"bulkops/internal/operations"
	"bulkops/internal/usecase"
	"bulkops/pkg/progress"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stack struct {
	cli *redisq.Client
	srv *httptest.Server
}

// newStack runs the HTTP API and one worker against miniredis.
func newStack(t *testing.T) *stack {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cli := redisq.NewWithClient(rdb, config.Redis{
		StreamKey:    "e2e:tasks",
		Group:        "e2e-workers",
		ActiveZSet:   "e2e:active",
		DLQStreamKey: "e2e:tasks:dlq",
	}, time.Hour)
	require.NoError(t, cli.Init(context.Background()))

	svc := &usecase.TaskService{Store: cli, Enq: usecase.Enqueuer{Store: cli, Q: cli}, Bus: cli}
	srv := httptest.NewServer(api.NewServer(svc, cli, config.HTTP{AllowedOrigins: []string{"*"}}).Handler())
	t.Cleanup(srv.Close)

	ops := operations.NewRegistry(cli, operations.Config{ExportDir: t.TempDir(), ImportDir: t.TempDir()}, nil)
	cons := usecase.Consumer{
		Q:            cli,
		Store:        cli,
		Bus:          cli,
		ConsumerName: "e2e",
		Concurrency:  1,
		Block:        50 * time.Millisecond,
		CancelPoll:   50 * time.Millisecond,
		BaseBackoff:  10 * time.Millisecond,
		MaxBackoff:   100 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cons.Run(ctx, ops.Handle)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &stack{cli: cli, srv: srv}
}

type observer struct {
	mu       sync.Mutex
	progress []int
	done     chan progress.Snapshot
}

func newObserver() *observer {
	return &observer{done: make(chan progress.Snapshot, 2)}
}

func (o *observer) OnProgress(s progress.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, s.Progress)
}

func (o *observer) OnComplete(s progress.Snapshot) { o.done <- s }
func (o *observer) OnError(s progress.Snapshot) { o.done <- s }
func (o *observer) OnNotice(string, progress.Notice) {}

func (o *observer) seen() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.progress...)
}

func TestGenerationEndToEnd(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	events, err := st.cli.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer events.Close()

	ctl, err := progress.New(progress.Options{
		BaseURL:      st.srv.URL,
		UserID:       "u1",
		PollInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	ctl.Start(ctx)
	defer ctl.Close()

	obs := newObserver()
	sub, err := ctl.Create(ctx, progress.CreateRequest{
		Kind:   "generation",
		Params: map[string]int{"quantity": 100000, "batch_size": 20000},
	}, obs)
	require.NoError(t, err)
	defer sub.Close()

	// the server emits exactly one start, five progress steps and the outcome
	var types []string
	var steps []float64
	var result json.RawMessage
	for len(types) == 0 || types[len(types)-1] != "task_completed" {
		select {
		case raw := <-events.Events():
			var ev struct {
				Type       string          `json:"type"`
				TaskID     string          `json:"task_id"`
				Progress   float64         `json:"progress"`
				ResultData json.RawMessage `json:"result_data"`
			}
			require.NoError(t, json.Unmarshal(raw, &ev))
			require.Equal(t, sub.TaskID, ev.TaskID)
			types = append(types, ev.Type)
			if ev.Type == "task_progress" {
				steps = append(steps, ev.Progress)
			}
			result = ev.ResultData
		case <-time.After(20 * time.Second):
			t.Fatalf("task did not finish, saw %v", types)
		}
	}
	require.Equal(t, "task_started", types[0])
	require.Equal(t, []float64{20, 40, 60, 80, 100}, steps)
	require.JSONEq(t, `{"total_generated":100000}`, string(result))

	select {
	case final := <-obs.done:
		require.Equal(t, progress.StatusCompleted, final.Status)
		require.Equal(t, 100, final.Progress)
	case <-time.After(10 * time.Second):
		t.Fatal("observer never saw the outcome")
	}

	// whatever the client saw along the way never went backwards
	seen := obs.seen()
	for i := 1; i < len(seen); i++ {
		require.GreaterOrEqual(t, seen[i], seen[i-1])
	}

	require.Eventually(t, func() bool {
		s, ok := ctl.Snapshot(sub.TaskID)
		return ok && s.TotalItems == 100000 && s.ProcessedItems == 100000
	}, 5*time.Second, 20*time.Millisecond)
	s, _ := ctl.Snapshot(sub.TaskID)
	require.Equal(t, progress.StatusCompleted, s.Status)
	require.Equal(t, 100, s.Progress)
	require.JSONEq(t, `{"total_generated":100000}`, string(s.Result))
	require.Len(t, obs.done, 0)
}

func TestCancelAfterCompletionEndToEnd(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	ctl, err := progress.New(progress.Options{
		BaseURL:     st.srv.URL,
		UserID:      "u1",
		DisablePush: true,
	})
	require.NoError(t, err)
	ctl.Start(ctx)
	defer ctl.Close()

	// an empty project exports at once; cancelling afterwards changes nothing
	obs := newObserver()
	sub, err := ctl.Create(ctx, progress.CreateRequest{
		Kind:      "export",
		ProjectID: "empty",
		Params:    map[string]string{"format": "csv"},
	}, obs)
	require.NoError(t, err)

	select {
	case final := <-obs.done:
		require.Equal(t, progress.StatusCompleted, final.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("export never finished")
	}

	res, err := ctl.Cancel(ctx, sub.TaskID)
	require.NoError(t, err)
	require.False(t, res.CancelRequested)
	require.Equal(t, progress.StatusCompleted, res.Status)

	s, ok := ctl.Snapshot(sub.TaskID)
	require.True(t, ok)
	require.Equal(t, progress.StatusCompleted, s.Status)
	var out struct {
		File     string `json:"file"`
		Exported int64  `json:"exported"`
	}
	require.NoError(t, json.Unmarshal(s.Result, &out))
	require.Zero(t, out.Exported)
	require.True(t, strings.HasSuffix(out.File, sub.TaskID+".csv"), out.File)
}
