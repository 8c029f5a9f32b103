// Package pipeline 包含排队的后台任务：上传转换工作器和
// 积分授予过期。
package pipeline

// 队列消费者按这些任务类型路由。
const (
	JobTypeTransformUpload = "upload.transform"
	JobTypeExpireGrant     = "credit.expire"
)

// TransformJobPayload 携带转换任务的工作单元。上传 id 是唯一的
// 权威输入，其余内容每次尝试都从记录重新读取。
type TransformJobPayload struct {
	UploadID uint `json:"upload_id"`
}

// ExpireJobPayload 标识要过期的购买授予。
type ExpireJobPayload struct {
	GrantID uint `json:"grant_id"`
}
