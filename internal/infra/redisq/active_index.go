package redisq

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Heartbeat records that a worker is still making progress on id.
func (c *Client) Heartbeat(ctx context.Context, id string, at time.Time) error {
	return c.Rdb.ZAdd(ctx, c.Cfg.ActiveZSet, redis.Z{Score: float64(at.UnixMilli()), Member: id}).Err()
}

// Stale returns up to limit running tasks whose last heartbeat is older than before.
func (c *Client) Stale(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 128
	}
	return c.Rdb.ZRangeByScore(ctx, c.Cfg.ActiveZSet, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmtMs(before),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
}

// Forget drops id from the active index without touching the record.
func (c *Client) Forget(ctx context.Context, id string) error {
	return c.Rdb.ZRem(ctx, c.Cfg.ActiveZSet, id).Err()
}

func fmtMs(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }
