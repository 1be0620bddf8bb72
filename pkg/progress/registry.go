package progress

import (
	"slices"
	"sync"
	"sync/atomic"
)

// entry is one registered observer. closed is set by Subscription.Close
// before the unregister reaches the loop, so nothing is delivered after Close.
type entry struct {
	id     uint64
	taskID string
	obs    Observer
	closed atomic.Bool
}

// registry maps task ids to their observers. It is only touched from the
// Controller loop.
type registry struct {
	next   uint64
	byTask map[string][]*entry
}

func newRegistry() *registry {
	return &registry{byTask: make(map[string][]*entry)}
}

// add registers obs and reports whether it is the task's first observer.
func (r *registry) add(e *entry) (first bool) {
	r.next++
	e.id = r.next
	first = len(r.byTask[e.taskID]) == 0
	r.byTask[e.taskID] = append(r.byTask[e.taskID], e)
	return first
}

// remove unregisters e and reports whether the task has no observers left.
// Removing an unknown entry is a no-op.
func (r *registry) remove(e *entry) (last bool) {
	list := r.byTask[e.taskID]
	i := slices.Index(list, e)
	if i < 0 {
		return false
	}
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(r.byTask, e.taskID)
		return true
	}
	r.byTask[e.taskID] = list
	return false
}

func (r *registry) tracked(taskID string) bool {
	return len(r.byTask[taskID]) > 0
}

func (r *registry) tasks() []string {
	ids := make([]string, 0, len(r.byTask))
	for id := range r.byTask {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *registry) each(taskID string, fn func(Observer)) {
	for _, e := range slices.Clone(r.byTask[taskID]) {
		if !e.closed.Load() {
			fn(e.obs)
		}
	}
}

// Subscription is the handle returned for one observer. Close is idempotent.
type Subscription struct {
	TaskID string

	e     *entry
	c     *Controller
	close sync.Once
}

func (s *Subscription) Close() {
	s.close.Do(func() {
		s.e.closed.Store(true)
		s.c.post(func() { s.c.unregister(s.e) })
	})
}
