package progress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultDegradedAfter = 15 * time.Second
)

type Options struct {
	// BaseURL and UserID build the default API client and Channel.
	BaseURL string
	UserID  string

	PollInterval time.Duration
	// DegradedAfter is how long push may be down before observers get
	// NoticeDegraded. Negative disables the notice.
	DegradedAfter time.Duration
	// SlowAfter, when positive, sends one NoticeSlow per task still running
	// that long after tracking started.
	SlowAfter time.Duration

	// API and Push replace the HTTP client and WebSocket channel.
	API  API
	Push Push
	// DisablePush runs on polling alone.
	DisablePush bool

	Logger zerolog.Logger
}

// taskState is the transport bookkeeping of a tracked, non-terminal task.
type taskState struct {
	poller   *poller
	slow     *time.Timer
	slowSent bool
}

// Controller is the single owner of task state on the client. All state is
// read and written on one loop goroutine; transports and callers post work
// to it.
type Controller struct {
	opts Options
	api  API
	push Push
	log  zerolog.Logger

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started sync.Once
	running atomic.Bool

	// loop-owned
	reg       *registry
	cache     map[string]Snapshot
	live      map[string]*taskState
	connected bool
	degraded  bool
	degradeT  *time.Timer
}

func New(opts Options) (*Controller, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DegradedAfter == 0 {
		opts.DegradedAfter = DefaultDegradedAfter
	}

	api := opts.API
	if api == nil {
		if opts.BaseURL == "" || opts.UserID == "" {
			return nil, errors.New("progress: BaseURL and UserID are required")
		}
		api = NewClient(opts.BaseURL, opts.UserID)
	}

	push := opts.Push
	if push == nil && !opts.DisablePush {
		ch, err := NewChannel(opts.BaseURL, opts.UserID)
		if err != nil {
			return nil, err
		}
		ch.Logger = opts.Logger
		push = ch
	}
	if opts.DisablePush {
		push = nil
	}

	return &Controller{
		opts:  opts,
		api:   api,
		push:  push,
		log:   opts.Logger,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		reg:   newRegistry(),
		cache: make(map[string]Snapshot),
		live:  make(map[string]*taskState),
	}, nil
}

// Start runs the loop and the push transport until ctx is done or Close is
// called. Calls after the first are ignored.
func (c *Controller) Start(ctx context.Context) {
	c.started.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		c.running.Store(true)
		go c.loop()
		if c.push != nil {
			c.post(c.startDegradedTimer)
			go c.push.Run(c.ctx, pushHandler{c})
		}
	})
}

// Close stops the loop, the push connection and every poller.
func (c *Controller) Close() {
	c.Start(context.Background())
	c.cancel()
	<-c.done
}

// Create asks the server for a new task and tracks it for obs. Invalid
// requests fail with ErrInvalidRequest and nothing is tracked.
func (c *Controller) Create(ctx context.Context, req CreateRequest, obs Observer) (*Subscription, error) {
	id, err := c.api.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}
	seed := Snapshot{
		TaskID:    id,
		Kind:      req.Kind,
		ProjectID: req.ProjectID,
		Status:    StatusPending,
		UpdatedAt: time.Now().UTC(),
	}
	return c.track(id, obs, &seed), nil
}

// Watch tracks an existing task for obs, starting from a fresh fetch.
func (c *Controller) Watch(ctx context.Context, taskID string, obs Observer) (*Subscription, error) {
	s, err := c.api.GetTaskProgress(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if s.TaskID == "" {
		s.TaskID = taskID
	}
	return c.track(taskID, obs, &s), nil
}

// Cancel asks the server to cancel taskID. Local state only follows what the
// server reports: a task that already finished keeps its status.
func (c *Controller) Cancel(ctx context.Context, taskID string) (CancelResult, error) {
	res, err := c.api.CancelTask(ctx, taskID)
	if err != nil {
		return CancelResult{}, err
	}
	c.post(func() {
		switch res.Status {
		case StatusCancelled:
			c.apply(Snapshot{TaskID: taskID, Status: StatusCancelled, Error: CancelledMessage, UpdatedAt: time.Now().UTC()})
		case StatusCompleted, StatusFailed:
			// the result or error message is only in the full record
			if !c.cache[taskID].Status.Terminal() && c.reg.tracked(taskID) {
				c.fetch(taskID)
			}
		}
	})
	return res, nil
}

// Snapshot returns the last known state of taskID, including tasks no
// longer tracked. It reflects everything the Controller received before the
// call. ok is false when the loop is not running, before Start or after
// Close. Observer callbacks run on the loop and must not call Snapshot; the
// snapshot they are handed is already current.
func (c *Controller) Snapshot(taskID string) (Snapshot, bool) {
	if !c.running.Load() {
		return Snapshot{}, false
	}
	type result struct {
		s  Snapshot
		ok bool
	}
	ch := make(chan result, 1)
	c.post(func() {
		s, ok := c.cache[taskID]
		ch <- result{s, ok}
	})
	select {
	case r := <-ch:
		return r.s, r.ok
	case <-c.done:
		return Snapshot{}, false
	}
}

func (c *Controller) track(taskID string, obs Observer, seed *Snapshot) *Subscription {
	e := &entry{taskID: taskID, obs: obs}
	c.post(func() {
		first := c.reg.add(e)
		notified := false
		if seed != nil {
			notified = c.apply(*seed)
		}
		if s, ok := c.cache[taskID]; ok && !notified {
			// bring a late observer up to date
			deliver(e, s)
		}
		if first {
			c.startTracking(taskID)
		}
	})
	return &Subscription{TaskID: taskID, e: e, c: c}
}

func (c *Controller) unregister(e *entry) {
	if c.reg.remove(e) {
		c.stopTracking(e.taskID)
	}
}

// startTracking opens the one transport subscription a task gets.
func (c *Controller) startTracking(taskID string) {
	if c.cache[taskID].Status.Terminal() {
		return
	}
	if _, ok := c.live[taskID]; ok {
		return
	}
	st := &taskState{}
	c.live[taskID] = st

	if c.push != nil {
		c.push.Subscribe(taskID)
	}
	if c.connected {
		// covers anything sent before the topic was registered
		c.fetch(taskID)
	} else {
		st.poller = c.startPoller(taskID)
	}
	if c.opts.SlowAfter > 0 {
		st.slow = time.AfterFunc(c.opts.SlowAfter, func() {
			c.post(func() { c.slow(taskID, st) })
		})
	}
}

func (c *Controller) stopTracking(taskID string) {
	st, ok := c.live[taskID]
	if !ok {
		return
	}
	delete(c.live, taskID)
	if st.poller != nil {
		st.poller.stop()
	}
	if st.slow != nil {
		st.slow.Stop()
	}
	if c.push != nil {
		c.push.Unsubscribe(taskID)
	}
}

// apply merges s into the cache and reports whether observers were notified.
// Details filled in after the outcome are cached silently.
func (c *Controller) apply(s Snapshot) bool {
	cur := c.cache[s.TaskID]
	merged, changed := Merge(cur, s)
	if !changed {
		return false
	}
	c.cache[s.TaskID] = merged
	if cur.Status.Terminal() {
		return false
	}

	c.reg.each(s.TaskID, func(o Observer) { notify(o, merged) })
	if merged.Status.Terminal() {
		c.stopTracking(s.TaskID)
	}
	return true
}

func notify(o Observer, s Snapshot) {
	switch s.Status {
	case StatusCompleted:
		o.OnComplete(s)
	case StatusFailed, StatusCancelled:
		o.OnError(s)
	default:
		o.OnProgress(s)
	}
}

func deliver(e *entry, s Snapshot) {
	if !e.closed.Load() {
		notify(e.obs, s)
	}
}

func (c *Controller) fetch(taskID string) {
	go func() {
		s, err := c.api.GetTaskProgress(c.ctx, taskID)
		if c.ctx.Err() != nil {
			return
		}
		c.post(func() { c.fetched(taskID, s, err) })
	}()
}

func (c *Controller) startPoller(taskID string) *poller {
	return startPoller(c.ctx, taskID, c.opts.PollInterval, c.api, func(s Snapshot, err error) {
		c.post(func() { c.fetched(taskID, s, err) })
	})
}

func (c *Controller) fetched(taskID string, s Snapshot, err error) {
	if err != nil {
		c.log.Warn().Err(err).Str("task_id", taskID).Msg("progress fetch failed")
		return
	}
	if s.TaskID == "" {
		s.TaskID = taskID
	}
	c.apply(s)
}

func (c *Controller) onEvent(ev Event) {
	s, ok := snapshotOf(ev)
	if !ok || !c.reg.tracked(s.TaskID) {
		return
	}
	if c.apply(s) && s.Status.Terminal() {
		// terminal events carry no counters or timestamps
		c.fetch(s.TaskID)
	}
}

// onConnected resynchronises every live task, since nothing sent while the
// channel was down is replayed, and hands them back to push.
func (c *Controller) onConnected() {
	c.connected = true
	if c.degradeT != nil {
		c.degradeT.Stop()
		c.degradeT = nil
	}
	if c.degraded {
		c.degraded = false
		c.broadcast(NoticeRecovered)
	}
	for id, st := range c.live {
		if st.poller != nil {
			st.poller.stop()
			st.poller = nil
		}
		c.fetch(id)
	}
}

// onDisconnected moves live tasks to polling. Known progress and step are kept.
func (c *Controller) onDisconnected(err error) {
	if !c.connected {
		return
	}
	c.connected = false
	c.log.Warn().Err(err).Int("tasks", len(c.live)).Msg("push lost, polling")
	for id, st := range c.live {
		if st.poller == nil {
			st.poller = c.startPoller(id)
		}
	}
	c.startDegradedTimer()
}

func (c *Controller) startDegradedTimer() {
	if c.opts.DegradedAfter <= 0 || c.degradeT != nil || c.connected {
		return
	}
	c.degradeT = time.AfterFunc(c.opts.DegradedAfter, func() {
		c.post(func() {
			c.degradeT = nil
			if !c.connected && !c.degraded {
				c.degraded = true
				c.broadcast(NoticeDegraded)
			}
		})
	})
}

func (c *Controller) slow(taskID string, st *taskState) {
	if c.live[taskID] != st || st.slowSent {
		return
	}
	st.slowSent = true
	c.reg.each(taskID, func(o Observer) { o.OnNotice(taskID, NoticeSlow) })
}

func (c *Controller) broadcast(n Notice) {
	for _, id := range c.reg.tasks() {
		if _, ok := c.live[id]; !ok {
			continue
		}
		c.reg.each(id, func(o Observer) { o.OnNotice(id, n) })
	}
}

func (c *Controller) post(fn func()) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) loop() {
	defer close(c.done)
	defer c.running.Store(false)
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case <-c.wake:
		}

		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
	}
}

func (c *Controller) shutdown() {
	for id := range c.live {
		c.stopTracking(id)
	}
	if c.degradeT != nil {
		c.degradeT.Stop()
	}
}

// pushHandler forwards transport callbacks onto the loop.
type pushHandler struct{ c *Controller }

func (h pushHandler) OnEvent(ev Event)         { h.c.post(func() { h.c.onEvent(ev) }) }
func (h pushHandler) OnConnected()             { h.c.post(h.c.onConnected) }
func (h pushHandler) OnDisconnected(err error) { h.c.post(func() { h.c.onDisconnected(err) }) }
