package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taxflow-go/internal/model"
	"taxflow-go/internal/repository"
	"taxflow-go/pkg/es"
	"taxflow-go/pkg/events"
	"taxflow-go/pkg/log"
)

// JobStats 为管理端仪表盘聚合流水线的健康状况。
type JobStats struct {
	CountsByStatus       map[model.UploadStatus]int64 `json:"countsByStatus"`
	Total                int64                        `json:"total"`
	SuccessRate          float64                      `json:"successRate"`
	AvgProcessingSeconds float64                      `json:"avgProcessingSeconds"`
}

// MonitorService 记录结构化任务日志并提供监控视图。记录是
// fire-and-forget 的：下游坏掉只会削弱可观测性，绝不影响流水线。
type MonitorService interface {
	// RecordLog 持久化一条任务日志，镜像到事件通道并写入检索
	// 索引。与上传无关的任务可以传入 nil 的 upload。
	RecordLog(ctx context.Context, jobID string, upload *model.Upload, level, message string, metadata map[string]interface{})
	Logs(ctx context.Context, uploadID uint, limit int) ([]model.JobLog, error)
	UserMetrics(ctx context.Context, userID uint, limit int) ([]model.UploadMetric, error)
	Stats(ctx context.Context) (*JobStats, error)
	SearchLogs(ctx context.Context, query, level string, size int) ([]model.JobLogDocument, error)
}

type monitorService struct {
	jobLogs repository.JobLogRepository
	metrics repository.MetricRepository
	uploads repository.UploadRepository
	events  events.Publisher
	search  *es.Client
}

// NewMonitorService 组装监控服务。未部署 Elasticsearch 时 search
// 可以为 nil，此时 SearchLogs 返回不可用。
func NewMonitorService(
	jobLogs repository.JobLogRepository,
	metrics repository.MetricRepository,
	uploads repository.UploadRepository,
	publisher events.Publisher,
	search *es.Client,
) MonitorService {
	return &monitorService{
		jobLogs: jobLogs,
		metrics: metrics,
		uploads: uploads,
		events:  publisher,
		search:  search,
	}
}

func (s *monitorService) RecordLog(ctx context.Context, jobID string, upload *model.Upload, level, message string, metadata map[string]interface{}) {
	entry := &model.JobLog{
		JobID:   jobID,
		Level:   level,
		Message: message,
	}
	if upload != nil {
		entry.UploadID = upload.ID
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			log.Warnw("job log metadata not serializable", "jobId", jobID, "error", err)
		} else {
			entry.Metadata = string(raw)
		}
	}
	if err := s.jobLogs.Create(entry); err != nil {
		log.Errorw("failed to persist job log", "jobId", jobID, "error", err)
	}

	s.events.PublishJobLog(events.JobLogEvent{
		LogID:     entry.ID,
		JobID:     jobID,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})

	if s.search != nil {
		doc := model.JobLogDocument{
			DocID:     uuid.NewString(),
			JobID:     jobID,
			Level:     level,
			Message:   message,
			CreatedAt: time.Now().UTC(),
		}
		if upload != nil {
			doc.UploadID = upload.ID
			doc.UserID = upload.UserID
			doc.FileName = upload.OriginalName
		}
		if err := s.search.IndexJobLog(ctx, doc); err != nil {
			log.Warnw("failed to index job log", "jobId", jobID, "error", err)
		}
	}
}

func (s *monitorService) Logs(ctx context.Context, uploadID uint, limit int) ([]model.JobLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.jobLogs.FindByUploadID(uploadID, limit)
}

func (s *monitorService) UserMetrics(ctx context.Context, userID uint, limit int) ([]model.UploadMetric, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.metrics.FindByUserID(userID, limit)
}

func (s *monitorService) Stats(ctx context.Context) (*JobStats, error) {
	counts, err := s.uploads.CountByStatus()
	if err != nil {
		return nil, err
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	stats := &JobStats{CountsByStatus: counts, Total: total}

	if done := counts[model.StatusCompleted] + counts[model.StatusFailed]; done > 0 {
		stats.SuccessRate = float64(counts[model.StatusCompleted]) / float64(done)
	}

	avg, err := s.metrics.AverageDurationSeconds()
	if err != nil {
		return nil, err
	}
	stats.AvgProcessingSeconds = avg
	return stats, nil
}

func (s *monitorService) SearchLogs(ctx context.Context, query, level string, size int) ([]model.JobLogDocument, error) {
	if s.search == nil {
		return nil, fmt.Errorf("log search is not available")
	}
	if size <= 0 {
		size = 50
	}
	return s.search.SearchJobLogs(ctx, query, level, size)
}
