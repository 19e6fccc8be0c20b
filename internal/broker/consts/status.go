package consts

// JobStatus 任务定义状态,整型枚举。
type JobStatus int

const (
	JobEnabled  JobStatus = 1
	JobDisabled JobStatus = 99
)

// TaskStatus 表示一次任务实例的状态枚举,防止魔法字符串。
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"   // 等待分派
	TaskLeased    TaskStatus = "LEASED"    // 已租约给某个 worker,等待其确认启动
	TaskRunning   TaskStatus = "RUNNING"   // worker 已确认,进程执行中
	TaskSucceeded TaskStatus = "SUCCEEDED" // 退出码 0,终态
	TaskFailed    TaskStatus = "FAILED"    // 失败;重试耗尽后为终态
	TaskRetrying  TaskStatus = "RETRYING"  // 失败后等待提升回 PENDING
	TaskCancelled TaskStatus = "CANCELLED" // 操作员取消,终态
	TaskTimedOut  TaskStatus = "TIMED_OUT" // 超时,随后进入 RETRYING 或终态 FAILED
)

// IsTerminal 判断状态是否为终态。TIMED_OUT 不是终态:扫描器会把它推进到
// RETRYING 或 FAILED。
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TriggerKind 触发器类型。
type TriggerKind string

const (
	TriggerCron     TriggerKind = "CRON"     // 六字段(秒级)或五字段 cron 表达式
	TriggerInterval TriggerKind = "INTERVAL" // 固定间隔秒数
	TriggerNone     TriggerKind = "NONE"     // 仅手动触发或作为工作流步骤运行
)

// WorkflowRunStatus 工作流实例状态。
type WorkflowRunStatus string

const (
	WorkflowRunRunning   WorkflowRunStatus = "RUNNING"
	WorkflowRunSucceeded WorkflowRunStatus = "SUCCEEDED"
	WorkflowRunFailed    WorkflowRunStatus = "FAILED"
	WorkflowRunCancelled WorkflowRunStatus = "CANCELLED"
)
