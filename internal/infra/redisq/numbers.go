package redisq

import (
	"context"

	"bulkops/internal/domain"
	"bulkops/internal/ports"
)

var _ ports.NumberStore = (*Client)(nil)

// AddNumbers adds to the set and reports how many were new.
func (c *Client) AddNumbers(ctx context.Context, userID, project string, filter domain.NumberFilter, numbers []string) (int64, error) {
	if len(numbers) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(numbers))
	for i, n := range numbers {
		members[i] = n
	}
	return c.Rdb.SAdd(ctx, numbersKey(userID, project, string(filter)), members...).Result()
}

func (c *Client) CountNumbers(ctx context.Context, userID, project string, filter domain.NumberFilter) (int64, error) {
	return c.Rdb.SCard(ctx, numbersKey(userID, project, string(filter))).Result()
}

func (c *Client) ScanNumbers(ctx context.Context, userID, project string, filter domain.NumberFilter, cursor uint64, count int64) ([]string, uint64, error) {
	return c.Rdb.SScan(ctx, numbersKey(userID, project, string(filter)), cursor, "", count).Result()
}
