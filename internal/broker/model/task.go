package model

import (
	"time"

	"github.com/taskfleet/taskfleet/internal/broker/consts"
)

// Task 一次具体的执行实例,由触发器或工作流展开从 Job 派生。
// Config 为创建时刻的快照,之后 Job 的变更不回读。
type Task struct {
	ID    string `json:"id" gorm:"primaryKey"`
	JobID string `json:"job_id" gorm:"index"`

	// 工作流步骤来源,非工作流任务为 NULL。(workflow_run_id, step_name)
	// 唯一索引防止并发评估重复物化同一步骤,NULL 行不受约束。
	WorkflowRunID *string `json:"workflow_run_id,omitempty" gorm:"uniqueIndex:uk_run_step"`
	StepName      *string `json:"step_name,omitempty" gorm:"uniqueIndex:uk_run_step"`
	Config        JobConfig        `json:"config" gorm:"type:json"`
	Status        consts.TaskStatus `json:"status" gorm:"index"`
	Attempt       int              `json:"attempt"` // 从 1 开始,上限 max_retries+1

	// 租约字段:LeaseVersion 每次授予/回收 +1,结果上报必须携带匹配版本。
	AssignedWorkerID string     `json:"assigned_worker_id,omitempty"`
	LeaseVersion     int        `json:"lease_version"`
	LeaseExpiresAt   *time.Time `json:"lease_expires_at,omitempty"`

	// SlotTime 触发槽时间,(job_id, slot_time) 唯一索引实现同槽去重;手动触发为 NULL。
	SlotTime    *time.Time `json:"slot_time,omitempty" gorm:"uniqueIndex:uk_job_slot"`
	ScheduledAt time.Time  `json:"scheduled_at"` // FIFO 分派排序依据
	RunAfter    *time.Time `json:"run_after,omitempty"` // 重试延迟:早于该时刻不分派

	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Output       string     `json:"output,omitempty"`
	Truncated    bool       `json:"truncated"`
	ErrorMessage string     `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// MaxAttempts 返回该实例允许的最大尝试次数。
func (t *Task) MaxAttempts() int { return t.Config.MaxRetries + 1 }

// Timeout 返回快照配置的执行超时。
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.Config.TimeoutSeconds) * time.Second
}

// RetryInterval 返回快照配置的重试间隔。
func (t *Task) RetryInterval() time.Duration {
	return time.Duration(t.Config.RetryIntervalSec) * time.Second
}

// TaskResult worker 上报的一次执行结果。
type TaskResult struct {
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output,omitempty"`
	Truncated bool   `json:"truncated"`
	Error     string `json:"error,omitempty"`
	TimedOut  bool   `json:"timed_out"`
}

// Succeeded 退出码 0 且未超时视为成功。
func (r *TaskResult) Succeeded() bool { return !r.TimedOut && r.ExitCode == 0 }
