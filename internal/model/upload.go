// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// UploadStatus 表示上传文件的生命周期状态。
type UploadStatus string

const (
	StatusReceived   UploadStatus = "received"
	StatusQueued     UploadStatus = "queued"
	StatusProcessing UploadStatus = "processing"
	StatusCompleted  UploadStatus = "completed"
	StatusFailed     UploadStatus = "failed"
)

// uploadTransitions 列出合法的状态迁移。failed->queued 是显式的
// 重试入队，failed->processing 是重试协调器的原地再认领，
// 其余迁移按流水线顺序前进。
var uploadTransitions = map[UploadStatus][]UploadStatus{
	StatusReceived:   {StatusQueued},
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusQueued, StatusProcessing},
}

// CanTransition 判断从一个状态迁移到另一个状态是否合法。
func CanTransition(from, to UploadStatus) bool {
	for _, next := range uploadTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Upload 定义了 uploads 表的 ORM 模型。每个提交的文件对应一条记录，
// 只能通过受保护的状态迁移来修改。
type Upload struct {
	ID              uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          uint         `gorm:"not null;index" json:"userId"`
	OriginalName    string       `gorm:"type:varchar(255);not null" json:"originalName"`
	Disk            string       `gorm:"type:varchar(64);not null" json:"disk"`
	Path            string       `gorm:"type:varchar(512);not null" json:"path"`
	TransformedPath string       `gorm:"type:varchar(512)" json:"transformedPath,omitempty"`
	SizeBytes       int64        `gorm:"not null" json:"sizeBytes"`
	RowsCount       int64        `json:"rowsCount"`
	Status          UploadStatus `gorm:"type:varchar(16);not null;default:'received';index" json:"status"`
	FailureReason   string       `gorm:"type:text" json:"failureReason,omitempty"`
	CreditsRequired int          `gorm:"not null;default:1" json:"creditsRequired"`
	CreditsConsumed int          `gorm:"not null;default:0" json:"creditsConsumed"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updatedAt"`
	ProcessedAt     *time.Time   `gorm:"default:null" json:"processedAt,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Upload) TableName() string {
	return "uploads"
}

// IsTerminal 判断上传是否已经到达终态。
func (u *Upload) IsTerminal() bool {
	return u.Status == StatusCompleted || u.Status == StatusFailed
}

// UploadMetric 是每次处理对应的一条可观测性记录。
// 处理时长在写入时由起止时间戳推导。
type UploadMetric struct {
	ID                        uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID                    uint       `gorm:"not null;index" json:"userId"`
	UploadID                  uint       `gorm:"not null;index" json:"uploadId"`
	FileName                  string     `gorm:"type:varchar(255);not null" json:"fileName"`
	FileSizeBytes             int64      `gorm:"not null" json:"fileSizeBytes"`
	LineCount                 int64      `json:"lineCount"`
	ProcessingStartedAt       *time.Time `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt     *time.Time `json:"processingCompletedAt,omitempty"`
	ProcessingDurationSeconds int64      `json:"processingDurationSeconds"`
	CreditsConsumed           int        `gorm:"not null;default:0" json:"creditsConsumed"`
	Status                    string     `gorm:"type:varchar(16);not null" json:"status"`
	ErrorMessage              string     `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt                 time.Time  `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UploadMetric) TableName() string {
	return "upload_metrics"
}

// UploadMetric 的状态取值。
const (
	MetricStatusPending    = "pending"
	MetricStatusProcessing = "processing"
	MetricStatusCompleted  = "completed"
	MetricStatusFailed     = "failed"
)
