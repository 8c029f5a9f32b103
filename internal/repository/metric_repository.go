package repository

import (
	"errors"

	"gorm.io/gorm"

	"taxflow-go/internal/model"
)

// MetricRepository 负责每次上传处理指标的持久化。
type MetricRepository interface {
	Create(metric *model.UploadMetric) error
	Update(metric *model.UploadMetric) error
	FindLatestByUploadID(uploadID uint) (*model.UploadMetric, error)
	FindByUserID(userID uint, limit int) ([]model.UploadMetric, error)
	// AverageDurationSeconds 计算已完成上传的平均处理时长，
	// 没有完成记录时返回 0。
	AverageDurationSeconds() (float64, error)
}

type metricRepository struct {
	db *gorm.DB
}

// NewMetricRepository 创建基于 GORM 的实现。
func NewMetricRepository(db *gorm.DB) MetricRepository {
	return &metricRepository{db: db}
}

func (r *metricRepository) Create(metric *model.UploadMetric) error {
	return r.db.Create(metric).Error
}

func (r *metricRepository) Update(metric *model.UploadMetric) error {
	return r.db.Save(metric).Error
}

func (r *metricRepository) FindLatestByUploadID(uploadID uint) (*model.UploadMetric, error) {
	var metric model.UploadMetric
	err := r.db.Where("upload_id = ?", uploadID).Order("created_at desc").First(&metric).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &metric, nil
}

func (r *metricRepository) FindByUserID(userID uint, limit int) ([]model.UploadMetric, error) {
	var metrics []model.UploadMetric
	err := r.db.Where("user_id = ?", userID).Order("created_at desc").Limit(limit).Find(&metrics).Error
	return metrics, err
}

func (r *metricRepository) AverageDurationSeconds() (float64, error) {
	var avg *float64
	err := r.db.Model(&model.UploadMetric{}).
		Select("AVG(processing_duration_seconds)").
		Where("status = ?", model.MetricStatusCompleted).
		Scan(&avg).Error
	if err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}
