package progress

// Notice is a transport hint that never changes task state.
type Notice string

const (
	// NoticeDegraded: push has been down longer than Options.DegradedAfter.
	NoticeDegraded Notice = "degraded"
	// NoticeRecovered follows a NoticeDegraded once push is back.
	NoticeRecovered Notice = "recovered"
	// NoticeSlow: the task is still running after Options.SlowAfter.
	NoticeSlow Notice = "slow"
)

// Observer receives the updates of one task. Methods run on the
// Controller's loop goroutine and must not block.
type Observer interface {
	OnProgress(s Snapshot)
	OnComplete(s Snapshot)
	// OnError is called for failed and cancelled tasks; s.Error holds the
	// server's message verbatim.
	OnError(s Snapshot)
	OnNotice(taskID string, n Notice)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Progress func(Snapshot)
	Complete func(Snapshot)
	Error    func(Snapshot)
	Notice   func(string, Notice)
}

func (f ObserverFuncs) OnProgress(s Snapshot) {
	if f.Progress != nil {
		f.Progress(s)
	}
}

func (f ObserverFuncs) OnComplete(s Snapshot) {
	if f.Complete != nil {
		f.Complete(s)
	}
}

func (f ObserverFuncs) OnError(s Snapshot) {
	if f.Error != nil {
		f.Error(s)
	}
}

func (f ObserverFuncs) OnNotice(id string, n Notice) {
	if f.Notice != nil {
		f.Notice(id, n)
	}
}
