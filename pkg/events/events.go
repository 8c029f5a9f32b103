// Package events 向外部观察者发布状态变更与任务日志通知。
// 发布是 fire-and-forget 的：事件落地失败不会阻塞或回滚
// 产生该事件的状态迁移。
package events

import (
	"time"
)

// 线上传输的事件类型标识。
const (
	TypeUploadStatus     = "upload.status"
	TypePermanentFailure = "upload.permanent_failure"
	TypeJobLog           = "job.log"
)

// StatusEvent 在每次上传状态迁移时发出。
type StatusEvent struct {
	UploadID  uint      `json:"upload_id"`
	UserID    uint      `json:"user_id"`
	Status    string    `json:"status"`
	FileName  string    `json:"file_name"`
	Timestamp time.Time `json:"timestamp"`
}

// JobLogEvent 在每条结构化任务日志写入时发出。
type JobLogEvent struct {
	LogID     uint                   `json:"log_id"`
	JobID     string                 `json:"job_id"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher 是核心代码看到的事件出口。实现必须自行吞掉失败。
type Publisher interface {
	PublishStatus(ev StatusEvent)
	// PublishPermanentFailure 标记重试预算耗尽。单独一种事件类型，
	// 方便观察者把它和单次尝试的临时失败区分开。
	PublishPermanentFailure(ev StatusEvent)
	PublishJobLog(ev JobLogEvent)
}

// envelope 写入事件主题的线上格式。
type envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}
