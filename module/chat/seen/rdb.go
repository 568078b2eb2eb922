package seen

import (
	"context"
	"fmt"

	"CProject/module/chat/model"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

func hashKey(chatID int64) string      { return fmt.Sprintf("seen:h:%d", chatID) }
func indexKey(chatID int64) string     { return fmt.Sprintf("seen:z:%d", chatID) }
func versionKey(chatID int64) string   { return fmt.Sprintf("seen:ver:%d", chatID) }
func watermarkKey(chatID int64) string { return fmt.Sprintf("seen:wm:%d", chatID) }

// Bounded trim of the paired hash/zset: evict oldest versions first until
// the index is back under the ceiling.
// KEYS[1]=index zset, KEYS[2]=payload hash; ARGV[1]=max members.
var luaTrim = redis.NewScript(`
  local cnt = redis.call('ZCARD', KEYS[1])
  local max = tonumber(ARGV[1])
  if cnt <= max then
    return 0
  end
  local n = cnt - max
  local old = redis.call('ZRANGE', KEYS[1], 0, n - 1)
  for i = 1, #old do
    redis.call('HDEL', KEYS[2], old[i])
  end
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, n - 1)
  return n
`)

// Forward-only watermark advance. Batches can commit out of reservation
// order; a stale bump must never move the watermark backwards.
// KEYS[1]=watermark; ARGV[1]=candidate version.
var luaAdvance = redis.NewScript(`
  local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
  local v = tonumber(ARGV[1])
  if v > cur then
    redis.call('SET', KEYS[1], v)
    return v
  end
  return cur
`)

// RedisCache implements Cache over the shared go-redis client.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) ReserveVersions(ctx context.Context, chatID int64, n int) (int64, error) {
	return c.rdb.IncrBy(ctx, versionKey(chatID), int64(n)).Result()
}

func (c *RedisCache) Watermark(ctx context.Context, chatID int64) (int64, error) {
	v, err := c.rdb.Get(ctx, watermarkKey(chatID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (c *RedisCache) WriteEntries(ctx context.Context, chatID int64, entries []model.SeenPointer) error {
	pipe := c.rdb.TxPipeline()
	for _, p := range entries {
		pipe.HSet(ctx, hashKey(chatID), p.UserID, encodeSeen(p.SeenID, p.Version, p.AtMS))
		pipe.ZAdd(ctx, indexKey(chatID), redis.Z{Score: float64(p.Version), Member: p.UserID})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) BumpChanged(ctx context.Context, chatID int64, version int64) error {
	return luaAdvance.Run(ctx, c.rdb, []string{watermarkKey(chatID)}, version).Err()
}

func (c *RedisCache) MembersSince(ctx context.Context, chatID int64, since int64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, indexKey(chatID), &redis.ZRangeBy{
		Min: "(" + fmt.Sprint(since),
		Max: "+inf",
	}).Result()
}

func (c *RedisCache) Payloads(ctx context.Context, chatID int64, users []string) (map[string]string, error) {
	vals, err := c.rdb.HMGet(ctx, hashKey(chatID), users...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(users))
	for i, u := range users {
		if s, ok := vals[i].(string); ok {
			out[u] = s
		}
	}
	return out, nil
}

func (c *RedisCache) AllMembers(ctx context.Context, chatID int64) ([]string, error) {
	return c.rdb.ZRange(ctx, indexKey(chatID), 0, -1).Result()
}

func (c *RedisCache) Trim(ctx context.Context, chatID int64, max int64) error {
	return luaTrim.Run(ctx, c.rdb,
		[]string{indexKey(chatID), hashKey(chatID)}, max).Err()
}
