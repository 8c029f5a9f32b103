package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job 是经队列投递的持久化信封。投递语义为 at-least-once，
// handler 必须容忍重复。
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	MaxAttempts    int             `json:"max_attempts"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// Timeout 返回单次尝试的墙钟预算。
func (j Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// Options 控制任务的投递方式。
type Options struct {
	// Queue 指定写入的主题。为空时使用生产方的默认主题。
	Queue          string
	MaxAttempts    int
	TimeoutSeconds int
}

// Enqueuer 队列的生产方。
type Enqueuer interface {
	// Enqueue 序列化 payload 并投递指定类型的任务，返回分配的任务 id。
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts Options) (string, error)
}

// Handler 处理一种任务类型。任务永久失败时（致命失败或重试耗尽）
// Failed 恰好被调用一次。
type Handler interface {
	Handle(ctx context.Context, job Job) Result
	Failed(ctx context.Context, job Job, err error)
}
