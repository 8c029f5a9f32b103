package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taxflow-go/internal/config"
	"taxflow-go/internal/model"
	"taxflow-go/internal/repository"
	"taxflow-go/pkg/log"
	"taxflow-go/pkg/queue"
)

// GrantExpirer 是过期任务需要的积分服务切面。
type GrantExpirer interface {
	ExpireCredits(ctx context.Context, grantID uint) error
	ExpirableGrants(ctx context.Context, before time.Time) ([]model.CreditTransaction, error)
}

// ExpireWorker 处理积分过期任务。过期本身对单笔授予幂等，
// 重复投递和清扫器重叠都是无害的。
type ExpireWorker struct {
	credits GrantExpirer
}

// NewExpireWorker 组装过期任务处理器。
func NewExpireWorker(credits GrantExpirer) *ExpireWorker {
	return &ExpireWorker{credits: credits}
}

// Handle 过期一笔授予。
func (w *ExpireWorker) Handle(ctx context.Context, job queue.Job) queue.Result {
	var payload ExpireJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("undecodable expire payload: %w", err))
	}

	err := w.credits.ExpireCredits(ctx, payload.GrantID)
	if errors.Is(err, repository.ErrGrantNotFound) {
		log.Warnw("expire job for missing grant, skipping", "jobId", job.ID, "grantId", payload.GrantID)
		return queue.Ok()
	}
	if err != nil {
		return queue.Retry(err)
	}
	return queue.Ok()
}

// Failed 是终态回调；过期任务没有自己的记录需要翻转，
// 重试耗尽只记日志。
func (w *ExpireWorker) Failed(ctx context.Context, job queue.Job, cause error) {
	var payload ExpireJobPayload
	_ = json.Unmarshal(job.Payload, &payload)
	log.Errorw("credit expiration permanently failed",
		"jobId", job.ID, "grantId", payload.GrantID, "error", cause)
}

// Sweeper 周期性扫描超过过期窗口且尚无过期记录的购买授予，
// 为每笔入队一个过期任务。处理器的幂等性让重复入队是安全的。
type Sweeper struct {
	credits  GrantExpirer
	enqueuer queue.Enqueuer
	topic    string
	cfg      config.PipelineConfig
	window   time.Duration
	interval time.Duration
}

// NewSweeper 组装授予过期清扫器。
func NewSweeper(credits GrantExpirer, enqueuer queue.Enqueuer, creditTopic string, pipeCfg config.PipelineConfig, creditsCfg config.CreditsConfig) *Sweeper {
	interval := time.Duration(pipeCfg.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{
		credits:  credits,
		enqueuer: enqueuer,
		topic:    creditTopic,
		cfg:      pipeCfg,
		window:   time.Duration(creditsCfg.GrantExpiryDays) * 24 * time.Hour,
		interval: interval,
	}
}

// Run 阻塞到 context 取消为止，每个周期清扫一次。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Infow("grant sweeper started", "interval", s.interval, "expiryWindow", s.window)
	for {
		select {
		case <-ctx.Done():
			log.Info("grant sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep 为每笔到期的授予入队过期任务。
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.window)
	grants, err := s.credits.ExpirableGrants(ctx, cutoff)
	if err != nil {
		log.Errorw("grant sweep scan failed", "error", err)
		return
	}
	if len(grants) == 0 {
		return
	}

	enqueued := 0
	for _, grant := range grants {
		_, err := s.enqueuer.Enqueue(ctx, JobTypeExpireGrant,
			ExpireJobPayload{GrantID: grant.ID},
			queue.Options{
				Queue:          s.topic,
				MaxAttempts:    s.cfg.MaxAttempts,
				TimeoutSeconds: s.cfg.ExpireTimeoutSeconds,
			})
		if err != nil {
			log.Errorw("failed to enqueue expire job", "grantId", grant.ID, "error", err)
			continue
		}
		enqueued++
	}
	log.Infow("grant sweep finished", "overdue", len(grants), "enqueued", enqueued)
}
