package model

import "time"

// JobLog 记录的日志级别。
const (
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// JobLog 是挂在后台任务上的一条结构化日志，持久化给监控视图使用，
// 同时镜像到事件通道。
type JobLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID     string    `gorm:"type:varchar(64);not null;index" json:"jobId"`
	UploadID  uint      `gorm:"index" json:"uploadId"`
	Level     string    `gorm:"type:varchar(16);not null" json:"level"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Metadata  string    `gorm:"type:text" json:"metadata,omitempty"` // JSON 串
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (JobLog) TableName() string {
	return "job_logs"
}
