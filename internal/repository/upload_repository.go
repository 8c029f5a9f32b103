// Package repository 实现基于 MySQL 的持久化层。
package repository

import (
	"errors"

	"gorm.io/gorm"

	"taxflow-go/internal/model"
)

// ErrUploadNotFound 表示查询没有命中任何上传记录。
var ErrUploadNotFound = errors.New("upload not found")

// UploadRepository 负责上传记录的持久化。状态变更只允许走
// Transition，因此每次写入都受状态机保护。
type UploadRepository interface {
	Create(upload *model.Upload) error
	FindByID(id uint) (*model.Upload, error)
	FindByIDForUser(id, userID uint) (*model.Upload, error)
	FindByUserID(userID uint) ([]model.Upload, error)
	// Transition 原子地把上传从给定状态之一迁移到目标状态，并在
	// 同一次写入中应用 patch。记录不在预期状态时返回 false，
	// 调用方按记录日志的异常或幂等重复处理，绝不视为崩溃。
	Transition(id uint, from []model.UploadStatus, to model.UploadStatus, patch map[string]interface{}) (bool, error)
	Delete(id uint) error
	CountByStatus() (map[model.UploadStatus]int64, error)
}

type uploadRepository struct {
	db *gorm.DB
}

// NewUploadRepository 创建基于 GORM 的实现。
func NewUploadRepository(db *gorm.DB) UploadRepository {
	return &uploadRepository{db: db}
}

func (r *uploadRepository) Create(upload *model.Upload) error {
	return r.db.Create(upload).Error
}

func (r *uploadRepository) FindByID(id uint) (*model.Upload, error) {
	var upload model.Upload
	err := r.db.First(&upload, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &upload, nil
}

func (r *uploadRepository) FindByIDForUser(id, userID uint) (*model.Upload, error) {
	var upload model.Upload
	err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&upload).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &upload, nil
}

func (r *uploadRepository) FindByUserID(userID uint) ([]model.Upload, error) {
	var uploads []model.Upload
	err := r.db.Where("user_id = ?", userID).Order("created_at desc").Find(&uploads).Error
	return uploads, err
}

func (r *uploadRepository) Transition(id uint, from []model.UploadStatus, to model.UploadStatus, patch map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range patch {
		updates[k] = v
	}

	res := r.db.Model(&model.Upload{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *uploadRepository) Delete(id uint) error {
	return r.db.Delete(&model.Upload{}, id).Error
}

func (r *uploadRepository) CountByStatus() (map[model.UploadStatus]int64, error) {
	var rows []struct {
		Status model.UploadStatus
		Total  int64
	}
	err := r.db.Model(&model.Upload{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.UploadStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
