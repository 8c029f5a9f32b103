package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"taxflow-go/internal/config"
	"taxflow-go/internal/model"
	"taxflow-go/internal/pipeline"
	"taxflow-go/internal/repository"
	"taxflow-go/internal/transform"
	"taxflow-go/pkg/events"
	"taxflow-go/pkg/log"
	"taxflow-go/pkg/queue"
	"taxflow-go/pkg/storage"
)

var (
	// ErrInsufficientCredits 拒绝余额不足以覆盖处理成本的提交。
	// 提交时只做咨询性判断，工作器扣费前会在流水账锁下再次校验。
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidFileType 拒绝非 CSV 的提交。
	ErrInvalidFileType = errors.New("only csv files are accepted")
	// ErrEmptyUpload 拒绝零字节的提交。
	ErrEmptyUpload = errors.New("uploaded file is empty")
	// ErrFileTooLarge 拒绝超过配置上限的提交。
	ErrFileTooLarge = errors.New("uploaded file exceeds the size limit")
	// ErrNotRetryable 拒绝对非 failed 状态上传的重试。
	ErrNotRetryable = errors.New("upload is not in a retryable state")
)

// UploadService 负责工作器之外的上传生命周期：接收、入队、
// 列表、重试入队和删除。
type UploadService interface {
	Submit(ctx context.Context, userID uint, filename string, content []byte) (*model.Upload, error)
	List(ctx context.Context, userID uint) ([]model.Upload, error)
	Get(ctx context.Context, id, userID uint, isAdmin bool) (*model.Upload, error)
	// DownloadURL 返回转换结果的可下载地址，
	// 要求上传已处于 completed 状态。
	DownloadURL(ctx context.Context, id, userID uint, isAdmin bool) (string, error)
	// Retry 把失败的上传重新入队（failed -> queued）。
	Retry(ctx context.Context, id, userID uint, isAdmin bool) error
	// Delete 删除记录以及它的两个文件。
	Delete(ctx context.Context, id, userID uint, isAdmin bool) error
}

type uploadService struct {
	uploads  repository.UploadRepository
	credits  CreditService
	store    storage.FileStore
	enqueuer queue.Enqueuer
	events   events.Publisher
	pipeCfg  config.PipelineConfig
	cost     int
}

// NewUploadService 组装上传接收服务。
func NewUploadService(
	uploads repository.UploadRepository,
	credits CreditService,
	store storage.FileStore,
	enqueuer queue.Enqueuer,
	publisher events.Publisher,
	pipeCfg config.PipelineConfig,
	creditsCfg config.CreditsConfig,
) UploadService {
	return &uploadService{
		uploads:  uploads,
		credits:  credits,
		store:    store,
		enqueuer: enqueuer,
		events:   publisher,
		pipeCfg:  pipeCfg,
		cost:     creditsCfg.PerUpload,
	}
}

func (s *uploadService) Submit(ctx context.Context, userID uint, filename string, content []byte) (*model.Upload, error) {
	filename = filepath.Base(filename)
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		return nil, ErrInvalidFileType
	}
	if len(content) == 0 {
		return nil, ErrEmptyUpload
	}
	if max := int64(s.pipeCfg.MaxUploadSizeMB) * 1024 * 1024; max > 0 && int64(len(content)) > max {
		return nil, ErrFileTooLarge
	}

	// 这里只是咨询性拦截，权威校验在工作器的流水账事务里完成。
	enough, err := s.credits.HasEnoughCredits(ctx, userID, int64(s.cost))
	if err != nil {
		return nil, fmt.Errorf("credit pre-check failed: %w", err)
	}
	if !enough {
		return nil, ErrInsufficientCredits
	}

	inputPath := fmt.Sprintf("%s/%d/input/%s_%s", s.pipeCfg.BasePath, userID, uuid.NewString(), filename)
	if err := s.store.Put(ctx, s.pipeCfg.Disk, inputPath, content); err != nil {
		return nil, fmt.Errorf("failed to store uploaded file: %w", err)
	}

	upload := &model.Upload{
		UserID:          userID,
		OriginalName:    filename,
		Disk:            s.pipeCfg.Disk,
		Path:            inputPath,
		SizeBytes:       int64(len(content)),
		Status:          model.StatusReceived,
		CreditsRequired: s.cost,
	}
	if err := s.uploads.Create(upload); err != nil {
		// 尽力清理即可，记录才是事实来源。
		_ = s.store.Delete(ctx, s.pipeCfg.Disk, inputPath)
		return nil, fmt.Errorf("failed to create upload record: %w", err)
	}
	s.publishStatus(upload)

	if err := s.enqueueTransform(ctx, upload); err != nil {
		return nil, err
	}
	log.Infow("upload submitted",
		"uploadId", upload.ID, "userId", userID, "file", filename,
		"sizeBytes", upload.SizeBytes, "estimatedRows", transform.CountLines(content))
	return upload, nil
}

// enqueueTransform 派发转换任务并把记录翻转到 queued。
// Submit 和 Retry 共用。
func (s *uploadService) enqueueTransform(ctx context.Context, upload *model.Upload) error {
	jobID, err := s.enqueuer.Enqueue(ctx, pipeline.JobTypeTransformUpload,
		pipeline.TransformJobPayload{UploadID: upload.ID},
		queue.Options{
			MaxAttempts:    s.pipeCfg.MaxAttempts,
			TimeoutSeconds: s.pipeCfg.CSVTimeoutSeconds,
		})
	if err != nil {
		return fmt.Errorf("failed to enqueue transform job: %w", err)
	}

	ok, err := s.uploads.Transition(upload.ID,
		[]model.UploadStatus{model.StatusReceived, model.StatusFailed},
		model.StatusQueued, nil)
	if err != nil {
		return fmt.Errorf("failed to mark upload queued: %w", err)
	}
	if !ok {
		log.Warnw("upload left its enqueueable state mid-dispatch", "uploadId", upload.ID, "jobId", jobID)
		return nil
	}
	upload.Status = model.StatusQueued
	s.publishStatus(upload)
	log.Infow("transform job enqueued", "uploadId", upload.ID, "jobId", jobID)
	return nil
}

func (s *uploadService) List(ctx context.Context, userID uint) ([]model.Upload, error) {
	return s.uploads.FindByUserID(userID)
}

func (s *uploadService) Get(ctx context.Context, id, userID uint, isAdmin bool) (*model.Upload, error) {
	if isAdmin {
		return s.uploads.FindByID(id)
	}
	return s.uploads.FindByIDForUser(id, userID)
}

func (s *uploadService) DownloadURL(ctx context.Context, id, userID uint, isAdmin bool) (string, error) {
	upload, err := s.Get(ctx, id, userID, isAdmin)
	if err != nil {
		return "", err
	}
	if upload.Status != model.StatusCompleted || upload.TransformedPath == "" {
		return "", fmt.Errorf("upload %d has no transformed output", id)
	}
	return s.store.URL(ctx, upload.Disk, upload.TransformedPath)
}

func (s *uploadService) Retry(ctx context.Context, id, userID uint, isAdmin bool) error {
	upload, err := s.Get(ctx, id, userID, isAdmin)
	if err != nil {
		return err
	}
	if upload.Status != model.StatusFailed {
		return ErrNotRetryable
	}
	log.Infow("retrying failed upload", "uploadId", upload.ID, "requestedBy", userID)
	return s.enqueueTransform(ctx, upload)
}

func (s *uploadService) Delete(ctx context.Context, id, userID uint, isAdmin bool) error {
	upload, err := s.Get(ctx, id, userID, isAdmin)
	if err != nil {
		return err
	}
	if upload.Path != "" {
		if err := s.store.Delete(ctx, upload.Disk, upload.Path); err != nil {
			log.Warnw("failed to delete input file", "uploadId", id, "path", upload.Path, "error", err)
		}
	}
	if upload.TransformedPath != "" {
		if err := s.store.Delete(ctx, upload.Disk, upload.TransformedPath); err != nil {
			log.Warnw("failed to delete output file", "uploadId", id, "path", upload.TransformedPath, "error", err)
		}
	}
	if err := s.uploads.Delete(upload.ID); err != nil {
		return fmt.Errorf("failed to delete upload record: %w", err)
	}
	log.Infow("upload deleted", "uploadId", id, "userId", userID)
	return nil
}

func (s *uploadService) publishStatus(upload *model.Upload) {
	s.events.PublishStatus(events.StatusEvent{
		UploadID:  upload.ID,
		UserID:    upload.UserID,
		Status:    string(upload.Status),
		FileName:  upload.OriginalName,
		Timestamp: time.Now().UTC(),
	})
}
