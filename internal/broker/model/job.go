package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
)

// JobConfig 描述一次执行的命令与策略,作为 JSON 列整体存储;
// Task 创建时快照复制,之后 Job 的修改不影响已生成的 Task。
type JobConfig struct {
	Cmd              string   `json:"cmd"`
	Args             []string `json:"args,omitempty"`
	TimeoutSeconds   int      `json:"timeout"`
	MaxRetries       int      `json:"max_retries"`
	RetryIntervalSec int      `json:"retry_interval"`
	CaptureOutput    bool     `json:"capture_output"`
	MaxOutputSize    int      `json:"max_output_size"`
	Labels           LabelSet `json:"labels,omitempty"`
}

func (c *JobConfig) Validate() error {
	if c.Cmd == "" {
		return errs.Validationf("config.cmd is required")
	}
	if c.TimeoutSeconds <= 0 {
		return errs.Validationf("config.timeout must be > 0, got %d", c.TimeoutSeconds)
	}
	if c.MaxRetries < 0 {
		return errs.Validationf("config.max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.RetryIntervalSec < 0 {
		return errs.Validationf("config.retry_interval must be >= 0, got %d", c.RetryIntervalSec)
	}
	if c.MaxOutputSize < 0 {
		return errs.Validationf("config.max_output_size must be >= 0, got %d", c.MaxOutputSize)
	}
	return nil
}

func (c JobConfig) Value() (driver.Value, error) { return json.Marshal(c) }

func (c *JobConfig) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	case nil:
		*c = JobConfig{}
		return nil
	default:
		return fmt.Errorf("jobconfig: unsupported scan type %T", src)
	}
}

// Job 一条可复用的任务定义:命令、策略与触发规则。
type Job struct {
	ID          string            `json:"id" gorm:"primaryKey"`
	Name        string            `json:"name"`
	Status      consts.JobStatus  `json:"status"`
	Config      JobConfig         `json:"config" gorm:"type:json"`
	TriggerKind consts.TriggerKind `json:"trigger_kind"`
	TriggerExpr string            `json:"trigger_expr"` // cron 表达式或间隔秒数,TriggerNone 时为空
	Version     int               `json:"version"`      // 乐观锁版本,更新时 +1
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Deleted     int               `json:"-"` // 软删除标志位:0 未删除,1 已删除
}

func (Job) TableName() string { return "jobs" }

// Validate 校验定义与触发规则,拒绝不合法的配置入库。
func (j *Job) Validate() error {
	if j.Name == "" {
		return errs.Validationf("name is required")
	}
	if err := j.Config.Validate(); err != nil {
		return err
	}
	switch j.TriggerKind {
	case consts.TriggerCron:
		if _, err := NextCronFire(j.TriggerExpr, time.Now()); err != nil {
			return errs.Validationf("invalid cron expression %q: %v", j.TriggerExpr, err)
		}
	case consts.TriggerInterval:
		if _, err := ParseIntervalExpr(j.TriggerExpr); err != nil {
			return err
		}
	case consts.TriggerNone:
		// manual / workflow step only
	default:
		return errs.Validationf("unknown trigger kind %q", j.TriggerKind)
	}
	return nil
}
