package redisq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"bulkops/internal/domain"
	"bulkops/internal/ports"

	"github.com/redis/go-redis/v9"
)

var _ ports.TaskStore = (*Client)(nil)

// transitionScript writes the field pairs in ARGV[2..] only when the current
// status equals ARGV[1]. Returns -1 for a missing record, 0 on mismatch.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
if cur ~= ARGV[1] then return 0 end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

func (c *Client) Create(ctx context.Context, t domain.Task) error {
	_, err := c.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, taskKey(t.ID), taskFields(t))
		p.ZAdd(ctx, userTasksKey(t.UserID), redis.Z{Score: float64(t.CreatedAt.UnixMilli()), Member: t.ID})
		return nil
	})
	return err
}

func (c *Client) Get(ctx context.Context, id string) (*domain.Task, error) {
	h, err := c.Rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, domain.ErrTaskNotFound
	}
	return decodeTask(h), nil
}

// ListByUser returns the user's most recent tasks, newest first. Index entries
// whose hash already expired are pruned on the way.
func (c *Client) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := c.Rdb.ZRevRange(ctx, userTasksKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.Rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, taskKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Task, 0, len(ids))
	var expired []interface{}
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			expired = append(expired, ids[i])
			continue
		}
		out = append(out, *decodeTask(h))
	}
	if len(expired) > 0 {
		_ = c.Rdb.ZRem(ctx, userTasksKey(userID), expired...).Err()
	}
	return out, nil
}

// Transition writes t's mutable fields if the stored status is still from.
// Terminal records get the configured TTL and leave the active index.
func (c *Client) Transition(ctx context.Context, t domain.Task, from domain.TaskStatus) (bool, error) {
	if !domain.CanTransition(from, t.Status) {
		return false, domain.ErrInvalidTransition
	}

	args := []interface{}{string(from)}
	for _, kv := range mutableFields(t) {
		args = append(args, kv[0], kv[1])
	}
	res, err := transitionScript.Run(ctx, c.Rdb, []string{taskKey(t.ID)}, args...).Int()
	if err != nil {
		return false, err
	}
	switch res {
	case -1:
		return false, domain.ErrTaskNotFound
	case 0:
		return false, nil
	}

	if t.Status.Terminal() {
		_, err = c.Rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, c.Cfg.ActiveZSet, t.ID)
			p.Del(ctx, cancelKey(t.ID))
			if c.RecordTTL > 0 {
				p.Expire(ctx, taskKey(t.ID), c.RecordTTL)
			}
			return nil
		})
		if err != nil {
			return true, err
		}
	}
	return true, nil
}

func (c *Client) RequestCancel(ctx context.Context, id string) error {
	ttl := c.RecordTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return c.Rdb.Set(ctx, cancelKey(id), "1", ttl).Err()
}

func (c *Client) CancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := c.Rdb.Exists(ctx, cancelKey(id)).Result()
	return n > 0, err
}

func taskFields(t domain.Task) map[string]interface{} {
	m := map[string]interface{}{
		"id":         t.ID,
		"user_id":    t.UserID,
		"project_id": t.ProjectID,
		"kind":       string(t.Kind),
		"params":     string(t.Params),
		"created_at": t.CreatedAt.UnixMilli(),
	}
	for _, kv := range mutableFields(t) {
		m[kv[0]] = kv[1]
	}
	return m
}

func mutableFields(t domain.Task) [][2]string {
	return [][2]string{
		{"status", string(t.Status)},
		{"progress", strconv.Itoa(t.Progress)},
		{"processed_items", strconv.FormatInt(t.ProcessedItems, 10)},
		{"total_items", strconv.FormatInt(t.TotalItems, 10)},
		{"current_step", t.CurrentStep},
		{"result", string(t.Result)},
		{"error", t.Error},
		{"started_at", msOrZero(t.StartedAt)},
		{"completed_at", msOrZero(t.CompletedAt)},
	}
}

func decodeTask(h map[string]string) *domain.Task {
	t := &domain.Task{
		ID:          h["id"],
		UserID:      h["user_id"],
		ProjectID:   h["project_id"],
		Kind:        domain.Kind(h["kind"]),
		Status:      domain.TaskStatus(h["status"]),
		CurrentStep: h["current_step"],
		Error:       h["error"],
	}
	t.Progress, _ = strconv.Atoi(h["progress"])
	t.ProcessedItems, _ = strconv.ParseInt(h["processed_items"], 10, 64)
	t.TotalItems, _ = strconv.ParseInt(h["total_items"], 10, 64)
	if v := h["params"]; v != "" {
		t.Params = json.RawMessage(v)
	}
	if v := h["result"]; v != "" {
		t.Result = json.RawMessage(v)
	}
	if ms, _ := strconv.ParseInt(h["created_at"], 10, 64); ms > 0 {
		t.CreatedAt = time.UnixMilli(ms).UTC()
	}
	t.StartedAt = timeOrNil(h["started_at"])
	t.CompletedAt = timeOrNil(h["completed_at"])
	return t
}

func msOrZero(t *time.Time) string {
	if t == nil {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func timeOrNil(v string) *time.Time {
	ms, _ := strconv.ParseInt(v, 10, 64)
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
