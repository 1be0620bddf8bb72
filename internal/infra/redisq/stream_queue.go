package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bulkops/internal/domain"
	"bulkops/internal/ports"

	"github.com/redis/go-redis/v9"
)

var _ ports.Queue = (*Client)(nil)

// Enqueue only carries the task id; the record itself lives in the task hash.
func (c *Client) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	return c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.StreamKey,
		Values: map[string]interface{}{"task_id": t.ID, "user_id": t.UserID, "kind": string(t.Kind)},
	}).Result()
}

func (c *Client) Claim(ctx context.Context, consumer string, block time.Duration) (string, string, error) {
	res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.Cfg.StreamKey, ">"},
		Count:    1,
		Block:    block,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", nil
		}
		return "", "", err
	}

	if len(res) == 0 || len(res[0].Messages) == 0 {
		return "", "", nil
	}

	msg := res[0].Messages[0]
	id, ok := msg.Values["task_id"].(string)
	if !ok || id == "" {
		// unreadable entry: ack it so it does not sit in the PEL forever
		_ = c.Ack(ctx, msg.ID)
		return "", "", fmt.Errorf("stream entry %s has no task_id", msg.ID)
	}
	return id, msg.ID, nil
}

// Reclaim moves up to count idle pending entries to consumer, scanning the
// pending list from its start.
func (c *Client) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]ports.Delivery, error) {
	msgs, _, err := c.Rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.Cfg.StreamKey,
		Group:    c.Cfg.Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]ports.Delivery, 0, len(msgs))
	for _, msg := range msgs {
		id, ok := msg.Values["task_id"].(string)
		if !ok || id == "" {
			_ = c.Ack(ctx, msg.ID)
			continue
		}
		out = append(out, ports.Delivery{TaskID: id, StreamID: msg.ID})
	}
	return out, nil
}

func (c *Client) Ack(ctx context.Context, streamID string) error {
	return c.Rdb.XAck(ctx, c.Cfg.StreamKey, c.Cfg.Group, streamID).Err()
}

// ToDLQ records a failed task on the dead-letter stream and acks its entry.
func (c *Client) ToDLQ(ctx context.Context, streamID string, t domain.Task, reason string) error {
	if err := c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.DLQStreamKey,
		Values: map[string]interface{}{
			"task_id": t.ID,
			"user_id": t.UserID,
			"kind":    string(t.Kind),
			"reason":  reason,
		},
	}).Err(); err != nil {
		return err
	}
	return c.Ack(ctx, streamID)
}
