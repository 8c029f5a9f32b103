package repository

import (
	"gorm.io/gorm"

	"taxflow-go/internal/model"
)

// JobLogRepository 负责结构化任务日志的持久化。
type JobLogRepository interface {
	Create(logEntry *model.JobLog) error
	FindByJobID(jobID string, limit int) ([]model.JobLog, error)
	FindByUploadID(uploadID uint, limit int) ([]model.JobLog, error)
}

type jobLogRepository struct {
	db *gorm.DB
}

// NewJobLogRepository 创建基于 GORM 的实现。
func NewJobLogRepository(db *gorm.DB) JobLogRepository {
	return &jobLogRepository{db: db}
}

func (r *jobLogRepository) Create(logEntry *model.JobLog) error {
	return r.db.Create(logEntry).Error
}

func (r *jobLogRepository) FindByJobID(jobID string, limit int) ([]model.JobLog, error) {
	var logs []model.JobLog
	err := r.db.Where("job_id = ?", jobID).Order("created_at desc").Limit(limit).Find(&logs).Error
	return logs, err
}

func (r *jobLogRepository) FindByUploadID(uploadID uint, limit int) ([]model.JobLog, error) {
	var logs []model.JobLog
	err := r.db.Where("upload_id = ?", uploadID).Order("created_at desc").Limit(limit).Find(&logs).Error
	return logs, err
}
