package member

import (
	"context"
	"fmt"
	"time"

	"CProject/module/chat/model"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// negTTL is the rate-limited retry window after a store double-miss.
const negTTL = 30 * time.Second

func roleKey(chatID int64) string    { return fmt.Sprintf("chat:role:%d", chatID) }
func membersKey(chatID int64) string { return fmt.Sprintf("chat:members:%d", chatID) }
func negKey(chatID int64, userID string) string {
	return fmt.Sprintf("chat:role:miss:%d:%s", chatID, userID)
}
func changedKey(chatID int64) string { return fmt.Sprintf("chat:changed:%d", chatID) }

// RedisRdb implements Rdb over the shared go-redis client.
type RedisRdb struct {
	rdb *redis.Client
}

func NewRedisRdb(rdb *redis.Client) *RedisRdb { return &RedisRdb{rdb: rdb} }

func (r *RedisRdb) GetRole(ctx context.Context, chatID int64, userID string) (model.Role, bool, error) {
	val, err := r.rdb.HGet(ctx, roleKey(chatID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return model.Role(val), true, nil
}

func (r *RedisRdb) SetRole(ctx context.Context, chatID int64, userID string, role model.Role) error {
	return r.rdb.HSet(ctx, roleKey(chatID), userID, string(role)).Err()
}

func (r *RedisRdb) NegCached(ctx context.Context, chatID int64, userID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, negKey(chatID, userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisRdb) SetNegCache(ctx context.Context, chatID int64, userID string) error {
	return r.rdb.Set(ctx, negKey(chatID, userID), "1", negTTL).Err()
}

func (r *RedisRdb) MemberIDs(ctx context.Context, chatID int64) ([]string, error) {
	return r.rdb.SMembers(ctx, membersKey(chatID)).Result()
}

func (r *RedisRdb) PopulateMembers(ctx context.Context, chatID int64, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	vals := make([]interface{}, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	return r.rdb.SAdd(ctx, membersKey(chatID), vals...).Err()
}

// ApplyRoles stages the role hash, the membership set and the changed-at
// watermark into one TxPipeline, so the batch either fully lands or errors
// as a unit.
func (r *RedisRdb) ApplyRoles(ctx context.Context, chatID int64, entries []RoleEntry) error {
	pipe := r.rdb.TxPipeline()
	for _, e := range entries {
		if e.Remove {
			pipe.HDel(ctx, roleKey(chatID), e.UserID)
			pipe.SRem(ctx, membersKey(chatID), e.UserID)
		} else {
			pipe.HSet(ctx, roleKey(chatID), e.UserID, string(e.Role))
			pipe.SAdd(ctx, membersKey(chatID), e.UserID)
		}
	}
	pipe.Set(ctx, changedKey(chatID), time.Now().UnixMilli(), 0)
	_, err := pipe.Exec(ctx)
	return err
}
