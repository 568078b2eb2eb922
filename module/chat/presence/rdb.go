package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// missedTTL keeps stale missed flags from outliving their usefulness.
const missedTTL = 30 * 24 * time.Hour

func activeKey(userID string) string { return "user:active:" + userID }
func missedKey(userID string) string { return "user:missed:" + userID }
func leftKey(chatID int64) string    { return fmt.Sprintf("chat:left:%d", chatID) }

// RedisCache implements the presence projection over the shared client.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) AddActive(ctx context.Context, chatID int64, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	for _, u := range userIDs {
		pipe.SAdd(ctx, activeKey(u), chatID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) RemoveActive(ctx context.Context, chatID int64, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	for _, u := range userIDs {
		pipe.SRem(ctx, activeKey(u), chatID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) ActiveChats(ctx context.Context, userID string) ([]int64, error) {
	vals, err := c.rdb.SMembers(ctx, activeKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (c *RedisCache) SetMissed(ctx context.Context, chatID int64, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	pipe := c.rdb.TxPipeline()
	for _, u := range userIDs {
		pipe.HSet(ctx, missedKey(u), strconv.FormatInt(chatID, 10), now)
		pipe.Expire(ctx, missedKey(u), missedTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) ClearMissed(ctx context.Context, chatID int64, userID string) error {
	return c.rdb.HDel(ctx, missedKey(userID), strconv.FormatInt(chatID, 10)).Err()
}

func (c *RedisCache) AddLeft(ctx context.Context, chatID int64, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	vals := make([]interface{}, len(userIDs))
	for i, u := range userIDs {
		vals[i] = u
	}
	return c.rdb.SAdd(ctx, leftKey(chatID), vals...).Err()
}

// DrainLeft reads and clears the left set in one atomic batch.
func (c *RedisCache) DrainLeft(ctx context.Context, chatID int64) ([]string, error) {
	pipe := c.rdb.TxPipeline()
	members := pipe.SMembers(ctx, leftKey(chatID))
	pipe.Del(ctx, leftKey(chatID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return members.Val(), nil
}

func (c *RedisCache) ClearLeft(ctx context.Context, chatID int64) error {
	return c.rdb.Del(ctx, leftKey(chatID)).Err()
}
