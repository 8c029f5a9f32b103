// Package queue 提供持久化任务队列和驱动上传流水线
// 后台工作的重试 coordinator。
package queue

// ResultKind 对单次任务尝试的结果分类。
type ResultKind int

const (
	// KindOk 任务已完成，不得再次执行。
	KindOk ResultKind = iota
	// KindRetryable 发生临时故障，coordinator 可在
	// 尝试预算耗尽前重新执行。
	KindRetryable
	// KindFatal 发生业务或校验失败，任务立即置为失败，不再尝试。
	KindFatal
)

// Result 带标签的尝试结果。coordinator 依据它分派，
// 而不是判断错误类型。
type Result struct {
	Kind ResultKind
	Err  error
}

// Ok 表示尝试成功。
func Ok() Result {
	return Result{Kind: KindOk}
}

// Retry 表示值得再试一次的临时失败。
func Retry(err error) Result {
	return Result{Kind: KindRetryable, Err: err}
}

// Fatal 表示不得重试的确定性失败。
func Fatal(err error) Result {
	return Result{Kind: KindFatal, Err: err}
}
