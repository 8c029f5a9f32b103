package database

import (
	"context"

	"github.com/go-redis/redis/v8"

	"taxflow-go/pkg/log"
)

// NewRedis 创建 Redis 客户端并验证连接。
func NewRedis(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	log.Info("Redis client connected successfully")
	return rdb, nil
}
