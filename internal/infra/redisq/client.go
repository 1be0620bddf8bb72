package redisq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bulkops/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Client struct {
	Cfg config.Redis
	Rdb redis.UniversalClient

	// RecordTTL is applied to task hashes once they reach a terminal status.
	RecordTTL time.Duration
}

func New(cfg config.Redis, recordTTL time.Duration) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(c, cfg, recordTTL)
}

// NewWithClient wraps an existing connection, e.g. one pointed at miniredis.
func NewWithClient(rdb redis.UniversalClient, cfg config.Redis, recordTTL time.Duration) *Client {
	return &Client{Cfg: cfg, Rdb: rdb, RecordTTL: recordTTL}
}

// Connect → used by API only
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Msg("connected to redis")
	return nil
}

// Init → used by API and Worker, ensures stream + group exist
func (c *Client) Init(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	err := c.Rdb.XGroupCreateMkStream(ctx, c.Cfg.StreamKey, c.Cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	log.Ctx(ctx).Info().
		Str("stream", c.Cfg.StreamKey).
		Str("group", c.Cfg.Group).
		Msg("redis stream and consumer group ready")

	return nil
}

func (c *Client) Close() error {
	return c.Rdb.Close()
}

func taskKey(id string) string       { return "task:" + id }
func cancelKey(id string) string     { return "task:" + id + ":cancel" }
func userTasksKey(uid string) string { return "user:" + uid + ":tasks" }
func eventsChannel(uid string) string {
	return "events:user:" + uid
}
func numbersKey(uid, project, set string) string {
	return "numbers:" + uid + ":" + project + ":" + set
}
