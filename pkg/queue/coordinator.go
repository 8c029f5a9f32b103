package queue

import (
	"context"
	"fmt"
	"time"

	"taxflow-go/pkg/log"
)

// AttemptStore 跨投递跟踪每个任务 id 的尝试次数，
// 重复投递的任务在原有预算上继续，不会重置。
type AttemptStore interface {
	// Incr 递增并返回任务的尝试次数。
	Incr(ctx context.Context, jobID string) (int, error)
	// Clear 清除任务的尝试计数。
	Clear(ctx context.Context, jobID string) error
}

// Coordinator 驱动任务执行：单次尝试硬超时、线性退避的有界重试、
// 且终态 Failed 回调只触发一次。
type Coordinator struct {
	attempts           AttemptStore
	backoff            time.Duration
	defaultMaxAttempts int
	defaultTimeout     time.Duration
	sleep              func(time.Duration) // 测试可替换
}

// NewCoordinator 构建 coordinator。未自带预算或超时的任务
// 使用 defaultMaxAttempts 和 defaultTimeout。
func NewCoordinator(attempts AttemptStore, backoff time.Duration, defaultMaxAttempts int, defaultTimeout time.Duration) *Coordinator {
	return &Coordinator{
		attempts:           attempts,
		backoff:            backoff,
		defaultMaxAttempts: defaultMaxAttempts,
		defaultTimeout:     defaultTimeout,
		sleep:              time.Sleep,
	}
}

// Run 把一次投递的任务驱动到终态：成功、致命失败或重试耗尽。
// 同一任务的重试严格串行。返回最终结果。
func (c *Coordinator) Run(ctx context.Context, job Job, handler Handler) Result {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.defaultMaxAttempts
	}

	for {
		attempt, err := c.attempts.Incr(ctx, job.ID)
		if err != nil {
			// 计数不可靠时，安全做法是不提交消息，交给队列重新投递。
			log.Error("coordinator: attempt counter unavailable", err)
			return Retry(fmt.Errorf("attempt counter unavailable: %w", err))
		}

		res := c.runAttempt(ctx, job, handler)

		switch res.Kind {
		case KindOk:
			if err := c.attempts.Clear(ctx, job.ID); err != nil {
				log.Warnf("coordinator: failed to clear attempts for job %s: %v", job.ID, err)
			}
			return res

		case KindFatal:
			log.Errorw("coordinator: job failed permanently",
				"jobId", job.ID, "jobType", job.Type, "attempt", attempt, "error", res.Err)
			handler.Failed(ctx, job, res.Err)
			if err := c.attempts.Clear(ctx, job.ID); err != nil {
				log.Warnf("coordinator: failed to clear attempts for job %s: %v", job.ID, err)
			}
			return res

		case KindRetryable:
			if attempt >= maxAttempts {
				log.Errorw("coordinator: retry budget exhausted",
					"jobId", job.ID, "jobType", job.Type, "attempts", attempt, "error", res.Err)
				handler.Failed(ctx, job, res.Err)
				if err := c.attempts.Clear(ctx, job.ID); err != nil {
					log.Warnf("coordinator: failed to clear attempts for job %s: %v", job.ID, err)
				}
				return Result{Kind: KindFatal, Err: res.Err}
			}
			log.Warnw("coordinator: job attempt failed, retrying",
				"jobId", job.ID, "jobType", job.Type, "attempt", attempt, "maxAttempts", maxAttempts, "error", res.Err)
			c.sleep(c.backoff * time.Duration(attempt))
		}
	}
}

// runAttempt 在任务的墙钟超时内执行 handler。
// 超时的尝试按可重试的运行时失败处理。
func (c *Coordinator) runAttempt(ctx context.Context, job Job, handler Handler) Result {
	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- handler.Handle(attemptCtx, job)
	}()

	select {
	case res := <-done:
		return res
	case <-attemptCtx.Done():
		return Retry(fmt.Errorf("job %s timed out after %s: %w", job.ID, timeout, attemptCtx.Err()))
	}
}
