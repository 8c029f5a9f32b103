package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"taxflow-go/internal/config"
	"taxflow-go/internal/model"
	"taxflow-go/internal/repository"
	"taxflow-go/internal/transform"
	"taxflow-go/pkg/events"
	"taxflow-go/pkg/log"
	"taxflow-go/pkg/queue"
	"taxflow-go/pkg/storage"
)

// CreditCharger 是工作器需要的积分服务切面。
type CreditCharger interface {
	ConsumeCredits(ctx context.Context, userID uint, amount int64, description string, uploadID *uint) (bool, error)
}

// LogRecorder 接收结构化任务日志。记录失败绝不影响任务本身。
type LogRecorder interface {
	RecordLog(ctx context.Context, jobID string, upload *model.Upload, level, message string, metadata map[string]interface{})
}

// TransformWorker 处理转换任务：认领上传、执行 CSV 转换、
// 只扣一次积分、落终态。处理器按 at-least-once 语义被调用，
// 所以每一步都要容忍重复投递。
type TransformWorker struct {
	uploads     repository.UploadRepository
	metrics     repository.MetricRepository
	credits     CreditCharger
	store       storage.FileStore
	transformer transform.Transformer
	monitor     LogRecorder
	events      events.Publisher
	cfg         config.PipelineConfig
}

// NewTransformWorker 组装转换任务处理器。
func NewTransformWorker(
	uploads repository.UploadRepository,
	metrics repository.MetricRepository,
	credits CreditCharger,
	store storage.FileStore,
	transformer transform.Transformer,
	monitor LogRecorder,
	publisher events.Publisher,
	cfg config.PipelineConfig,
) *TransformWorker {
	return &TransformWorker{
		uploads:     uploads,
		metrics:     metrics,
		credits:     credits,
		store:       store,
		transformer: transformer,
		monitor:     monitor,
		events:      publisher,
		cfg:         cfg,
	}
}

// Handle 执行一次转换尝试。
func (w *TransformWorker) Handle(ctx context.Context, job queue.Job) queue.Result {
	var payload TransformJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("undecodable transform payload: %w", err))
	}

	upload, err := w.uploads.FindByID(payload.UploadID)
	if errors.Is(err, repository.ErrUploadNotFound) {
		// 记录在入队之后被删除，视为已处理。
		log.Infow("transform job for missing upload, skipping", "jobId", job.ID, "uploadId", payload.UploadID)
		return queue.Ok()
	}
	if err != nil {
		return queue.Retry(fmt.Errorf("failed to load upload %d: %w", payload.UploadID, err))
	}

	if upload.Status == model.StatusCompleted {
		// 已完成任务的重复投递。
		log.Infow("upload already completed, skipping duplicate delivery", "jobId", job.ID, "uploadId", upload.ID)
		return queue.Ok()
	}

	claimed, err := w.uploads.Transition(upload.ID,
		[]model.UploadStatus{model.StatusQueued, model.StatusReceived, model.StatusFailed},
		model.StatusProcessing, nil)
	if err != nil {
		return queue.Retry(fmt.Errorf("failed to claim upload %d: %w", upload.ID, err))
	}
	if !claimed {
		// 认领只会在 completed 或 processing 状态下失败。completed
		// 说明并发投递已经抢先完成；卡在 processing 的记录属于某次
		// 超时或崩溃的尝试，必须继续消耗重试预算，直到终态回调把
		// 它移到 failed。
		current, ferr := w.uploads.FindByID(upload.ID)
		if ferr == nil && current.Status == model.StatusCompleted {
			log.Infow("upload completed by a concurrent delivery, skipping",
				"jobId", job.ID, "uploadId", upload.ID)
			return queue.Ok()
		}
		log.Warnw("upload not in a claimable state, retrying later",
			"jobId", job.ID, "uploadId", upload.ID, "status", upload.Status)
		w.monitor.RecordLog(ctx, job.ID, upload, model.LogLevelWarning,
			"upload not in a claimable state, attempt rescheduled",
			map[string]interface{}{"status": string(upload.Status)})
		return queue.Retry(fmt.Errorf("upload %d is not claimable (status %s)", upload.ID, upload.Status))
	}
	upload.Status = model.StatusProcessing
	w.publishStatus(upload)
	w.monitor.RecordLog(ctx, job.ID, upload, model.LogLevelInfo, "processing started", nil)

	metric := w.startMetric(upload)

	return w.process(ctx, job, upload, metric)
}

func (w *TransformWorker) process(ctx context.Context, job queue.Job, upload *model.Upload, metric *model.UploadMetric) queue.Result {
	exists, err := w.store.Exists(ctx, upload.Disk, upload.Path)
	if err != nil {
		return w.attemptFailed(ctx, job, upload, metric,
			fmt.Errorf("input existence check failed: %w", err), true)
	}
	if !exists {
		// 对象缺失可能只是存储延迟，按运行时故障处理，
		// 重试直到预算耗尽。
		return w.attemptFailed(ctx, job, upload, metric,
			fmt.Errorf("input file %s not found", upload.Path), true)
	}

	content, err := w.store.Get(ctx, upload.Disk, upload.Path)
	if err != nil {
		return w.attemptFailed(ctx, job, upload, metric,
			fmt.Errorf("failed to read input file: %w", err), true)
	}
	if len(content) == 0 {
		return w.attemptFailed(ctx, job, upload, metric,
			fmt.Errorf("input file %s is empty", upload.Path), false)
	}

	output, rows, err := w.transformer.Transform(content)
	if err != nil {
		retryable := !transform.IsValidationError(err)
		return w.attemptFailed(ctx, job, upload, metric,
			fmt.Errorf("transformation failed: %w", err), retryable)
	}

	outputPath := w.outputPath(upload)
	if err := w.store.MakeDirectory(ctx, upload.Disk, filepath.Dir(outputPath)); err != nil {
		return w.attemptFailed(ctx, job, upload, metric,
			fmt.Errorf("failed to create output directory: %w", err), true)
	}
	if err := w.store.Put(ctx, upload.Disk, outputPath, output); err != nil {
		return w.attemptFailed(ctx, job, upload, metric,
			fmt.Errorf("failed to write output file: %w", err), true)
	}
	written, err := w.store.Exists(ctx, upload.Disk, outputPath)
	if err != nil || !written {
		if err == nil {
			err = fmt.Errorf("output file %s missing after write", outputPath)
		}
		return w.attemptFailed(ctx, job, upload, metric,
			fmt.Errorf("output verification failed: %w", err), true)
	}

	if upload.CreditsConsumed == 0 {
		res := w.chargeCredits(ctx, job, upload, metric)
		if res.Kind != queue.KindOk {
			return res
		}
	}

	now := time.Now().UTC()
	done, err := w.uploads.Transition(upload.ID,
		[]model.UploadStatus{model.StatusProcessing},
		model.StatusCompleted, map[string]interface{}{
			"transformed_path": outputPath,
			"rows_count":       rows,
			"processed_at":     now,
		})
	if err != nil {
		return w.attemptFailed(ctx, job, upload, metric,
			fmt.Errorf("failed to record completion: %w", err), true)
	}
	if !done {
		log.Warnw("upload left processing before completion could be recorded",
			"jobId", job.ID, "uploadId", upload.ID)
		return queue.Ok()
	}

	upload.Status = model.StatusCompleted
	upload.TransformedPath = outputPath
	upload.RowsCount = rows
	upload.ProcessedAt = &now
	w.publishStatus(upload)
	w.finishMetric(metric, model.MetricStatusCompleted, rows, upload.CreditsConsumed, "")
	w.monitor.RecordLog(ctx, job.ID, upload, model.LogLevelInfo, "processing completed",
		map[string]interface{}{"rows": rows, "outputPath": outputPath})
	log.Infow("upload processed", "jobId", job.ID, "uploadId", upload.ID, "rows", rows)
	return queue.Ok()
}

// chargeCredits 对每个上传只扣一次费。扣费先记到上传行再记完成，
// 因此扣费与完成之间崩溃后的重新投递不会重复计费。
func (w *TransformWorker) chargeCredits(ctx context.Context, job queue.Job, upload *model.Upload, metric *model.UploadMetric) queue.Result {
	cost := int64(upload.CreditsRequired)
	consumed, err := w.credits.ConsumeCredits(ctx, upload.UserID, cost,
		fmt.Sprintf("Processing of %s", upload.OriginalName), &upload.ID)
	if err != nil {
		return w.attemptFailed(ctx, job, upload, metric,
			fmt.Errorf("credit charge failed: %w", err), true)
	}
	if !consumed {
		return w.attemptFailed(ctx, job, upload, metric,
			fmt.Errorf("insufficient credits for upload %d", upload.ID), false)
	}

	if _, err := w.uploads.Transition(upload.ID,
		[]model.UploadStatus{model.StatusProcessing},
		model.StatusProcessing, map[string]interface{}{
			"credits_consumed": upload.CreditsRequired,
		}); err != nil {
		log.Errorw("charge succeeded but could not be recorded on the upload",
			"uploadId", upload.ID, "error", err)
	}
	upload.CreditsConsumed = upload.CreditsRequired
	w.monitor.RecordLog(ctx, job.ID, upload, model.LogLevelInfo, "credits consumed",
		map[string]interface{}{"amount": cost})
	return queue.Ok()
}

// attemptFailed 记录一次失败的尝试：原因写到记录上、发 failed
// 状态事件、关闭指标。可重试的失败交还协调器，致命失败经由
// Failed 回调在这里终结。
func (w *TransformWorker) attemptFailed(ctx context.Context, job queue.Job, upload *model.Upload, metric *model.UploadMetric, cause error, retryable bool) queue.Result {
	now := time.Now().UTC()
	moved, terr := w.uploads.Transition(upload.ID,
		[]model.UploadStatus{model.StatusProcessing},
		model.StatusFailed, map[string]interface{}{
			"failure_reason": cause.Error(),
			"processed_at":   now,
		})
	if terr != nil {
		log.Errorw("failed to record attempt failure", "uploadId", upload.ID, "error", terr)
	}
	if moved {
		upload.Status = model.StatusFailed
		upload.FailureReason = cause.Error()
		w.publishStatus(upload)
	}

	w.finishMetric(metric, model.MetricStatusFailed, 0, upload.CreditsConsumed, cause.Error())
	w.monitor.RecordLog(ctx, job.ID, upload, model.LogLevelError, "processing attempt failed",
		map[string]interface{}{"reason": cause.Error(), "retryable": retryable})
	log.Warnw("transform attempt failed",
		"jobId", job.ID, "uploadId", upload.ID, "retryable", retryable, "error", cause)

	if retryable {
		return queue.Retry(cause)
	}
	return queue.Fatal(cause)
}

// Failed 是终态失败回调，任务致命失败或重试耗尽时由协调器
// 恰好调用一次。
func (w *TransformWorker) Failed(ctx context.Context, job queue.Job, cause error) {
	var payload TransformJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		log.Errorw("permanently failed job has undecodable payload", "jobId", job.ID, "error", err)
		return
	}

	upload, err := w.uploads.FindByID(payload.UploadID)
	if err != nil {
		log.Errorw("permanently failed job references unloadable upload",
			"jobId", job.ID, "uploadId", payload.UploadID, "error", err)
		return
	}

	// 最后一次尝试通常已经把记录移到 failed，这里兜底处理
	// 绕过了 attemptFailed 的超时和 panic。
	now := time.Now().UTC()
	moved, terr := w.uploads.Transition(upload.ID,
		[]model.UploadStatus{model.StatusReceived, model.StatusQueued, model.StatusProcessing},
		model.StatusFailed, map[string]interface{}{
			"failure_reason": cause.Error(),
			"processed_at":   now,
		})
	if terr != nil {
		log.Errorw("failed to record permanent failure", "uploadId", upload.ID, "error", terr)
	}
	upload.Status = model.StatusFailed
	if moved {
		upload.FailureReason = cause.Error()
	}

	w.events.PublishPermanentFailure(events.StatusEvent{
		UploadID:  upload.ID,
		UserID:    upload.UserID,
		Status:    string(model.StatusFailed),
		FileName:  upload.OriginalName,
		Timestamp: now,
	})
	w.monitor.RecordLog(ctx, job.ID, upload, model.LogLevelError, "processing permanently failed",
		map[string]interface{}{"reason": cause.Error()})
	log.Errorw("upload permanently failed", "jobId", job.ID, "uploadId", upload.ID, "error", cause)
}

// outputPath 推导确定性的输出位置：
// {base}/{owner}/output/{stem}_{timestamp}_transformed.csv
func (w *TransformWorker) outputPath(upload *model.Upload) string {
	stem := strings.TrimSuffix(upload.OriginalName, filepath.Ext(upload.OriginalName))
	return fmt.Sprintf("%s/%d/output/%s_%s_transformed.csv",
		w.cfg.BasePath, upload.UserID, stem, time.Now().UTC().Format("20060102150405"))
}

func (w *TransformWorker) startMetric(upload *model.Upload) *model.UploadMetric {
	now := time.Now().UTC()
	metric := &model.UploadMetric{
		UserID:              upload.UserID,
		UploadID:            upload.ID,
		FileName:            upload.OriginalName,
		FileSizeBytes:       upload.SizeBytes,
		Status:              model.MetricStatusProcessing,
		ProcessingStartedAt: &now,
	}
	if err := w.metrics.Create(metric); err != nil {
		log.Warnw("failed to create upload metric", "uploadId", upload.ID, "error", err)
		return nil
	}
	return metric
}

func (w *TransformWorker) finishMetric(metric *model.UploadMetric, status string, rows int64, creditsConsumed int, errMsg string) {
	if metric == nil {
		return
	}
	now := time.Now().UTC()
	metric.Status = status
	metric.LineCount = rows
	metric.CreditsConsumed = creditsConsumed
	metric.ErrorMessage = errMsg
	metric.ProcessingCompletedAt = &now
	if metric.ProcessingStartedAt != nil {
		metric.ProcessingDurationSeconds = int64(now.Sub(*metric.ProcessingStartedAt).Seconds())
	}
	if err := w.metrics.Update(metric); err != nil {
		log.Warnw("failed to update upload metric", "uploadId", metric.UploadID, "error", err)
	}
}

func (w *TransformWorker) publishStatus(upload *model.Upload) {
	w.events.PublishStatus(events.StatusEvent{
		UploadID:  upload.ID,
		UserID:    upload.UserID,
		Status:    string(upload.Status),
		FileName:  upload.OriginalName,
		Timestamp: time.Now().UTC(),
	})
}
