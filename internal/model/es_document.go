package model

import "time"

// JobLogDocument 代表 JobLog 在 Elasticsearch 中的文档结构，
// 供管理端监控检索使用。
type JobLogDocument struct {
	DocID     string    `json:"doc_id"`
	JobID     string    `json:"job_id"`
	UploadID  uint      `json:"upload_id"`
	UserID    uint      `json:"user_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	FileName  string    `json:"file_name"`
	CreatedAt time.Time `json:"created_at"`
}
