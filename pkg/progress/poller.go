package progress

import (
	"context"
	"time"
)

// poller fetches one task immediately and then every interval until stopped.
type poller struct {
	stop context.CancelFunc
}

func startPoller(ctx context.Context, taskID string, interval time.Duration, api API, deliver func(Snapshot, error)) *poller {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			s, err := api.GetTaskProgress(ctx, taskID)
			if ctx.Err() != nil {
				return
			}
			deliver(s, err)

			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
		}
	}()
	return &poller{stop: cancel}
}
