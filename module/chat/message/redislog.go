package message

import (
	"context"

	"CProject/module/chat/model"

	"github.com/redis/go-redis/v9"
)

const (
	counterKey = "msg:id:counter"
	streamKey  = "msg:log"
	// streamMaxLen caps the durability log; the flush worker drains it into
	// the relational store well before this bound.
	streamMaxLen = 100_000
)

// RedisLog allocates message ids from the shared counter and appends the
// encoded tuple to a capped stream.
type RedisLog struct {
	rdb *redis.Client
}

func NewRedisLog(rdb *redis.Client) *RedisLog { return &RedisLog{rdb: rdb} }

func (l *RedisLog) NextID(ctx context.Context) (int64, error) {
	return l.rdb.Incr(ctx, counterKey).Result()
}

func (l *RedisLog) Append(ctx context.Context, m *model.Message) error {
	return l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"id":      m.ID,
			"chat_id": m.ChatID,
			"user_id": m.UserID,
			"content": m.Content,
			"attach":  m.Attach,
			"ts":      m.CreatedAt.UnixMilli(),
		},
	}).Err()
}
