package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisAttemptStore 把每个任务的尝试计数放在 Redis，
// worker 重启或重复投递时预算不会丢失。
type RedisAttemptStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisAttemptStore 构建计数存储。计数一天后过期，
// 届时任务要么完成要么已进死信。
func NewRedisAttemptStore(rdb *redis.Client) *RedisAttemptStore {
	return &RedisAttemptStore{rdb: rdb, ttl: 24 * time.Hour}
}

func (s *RedisAttemptStore) key(jobID string) string {
	return fmt.Sprintf("queue:attempts:%s", jobID)
}

// Incr 递增并返回任务的尝试次数。
func (s *RedisAttemptStore) Incr(ctx context.Context, jobID string) (int, error) {
	key := s.key(jobID)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = s.rdb.Expire(ctx, key, s.ttl).Err()
	return int(n), nil
}

// Clear 清除任务的尝试计数。
func (s *RedisAttemptStore) Clear(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, s.key(jobID)).Err()
}
