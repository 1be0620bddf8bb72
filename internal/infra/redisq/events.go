package redisq

import (
	"context"
	"encoding/json"
	"sync"

	"bulkops/internal/domain"
	"bulkops/internal/ports"

	"github.com/redis/go-redis/v9"
)

var _ ports.EventBus = (*Client)(nil)

func (c *Client) Publish(ctx context.Context, ev domain.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.Rdb.Publish(ctx, eventsChannel(ev.UserID), b).Err()
}

// Subscribe returns once Redis confirmed the subscription, so no event
// published after the call returns can be missed.
func (c *Client) Subscribe(ctx context.Context, userID string) (ports.Subscription, error) {
	ps := c.Rdb.Subscribe(ctx, eventsChannel(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &subscription{ps: ps, out: make(chan []byte, 64), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Events() <-chan []byte { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
