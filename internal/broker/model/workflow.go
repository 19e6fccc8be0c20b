package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
)

// WorkflowStep 工作流中的一个步骤:引用一个 Job,声明其上游依赖。
type WorkflowStep struct {
	Name      string   `json:"name"`
	JobID     string   `json:"job_id"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// StepList JSON 列存储的步骤序列。
type StepList []WorkflowStep

func (s StepList) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *StepList) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = nil
		return nil
	default:
		return fmt.Errorf("steplist: unsupported scan type %T", src)
	}
}

// Workflow 已解析的任务依赖图定义。步骤图在注册时校验,运行期不再检查环。
type Workflow struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name"`
	Steps     StepList  `json:"steps" gorm:"type:json"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   int       `json:"-"`
}

func (Workflow) TableName() string { return "workflows" }

// Validate 校验步骤唯一性、依赖引用与无环。
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return errs.Validationf("name is required")
	}
	if len(w.Steps) == 0 {
		return errs.Validationf("workflow must contain at least one step")
	}
	byName := make(map[string]*WorkflowStep, len(w.Steps))
	for i := range w.Steps {
		st := &w.Steps[i]
		if st.Name == "" {
			return errs.Validationf("step name is required")
		}
		if st.JobID == "" {
			return errs.Validationf("step %q: job_id is required", st.Name)
		}
		if _, dup := byName[st.Name]; dup {
			return errs.Validationf("duplicate step name %q", st.Name)
		}
		byName[st.Name] = st
	}
	for _, st := range w.Steps {
		for _, dep := range st.DependsOn {
			if _, ok := byName[dep]; !ok {
				return errs.Validationf("step %q depends on unknown step %q", st.Name, dep)
			}
		}
	}
	if cyc := findCycle(w.Steps); len(cyc) > 0 {
		return errs.Validationf("dependency cycle: %v", cyc)
	}
	return nil
}

// findCycle 对步骤图做三色 DFS,返回任意一个环上的步骤名(无环返回 nil)。
func findCycle(steps StepList) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	deps := make(map[string][]string, len(steps))
	for _, st := range steps {
		deps[st.Name] = st.DependsOn
	}
	var cycle []string
	var visit func(name string, stack []string) bool
	visit = func(name string, stack []string) bool {
		color[name] = gray
		stack = append(stack, name)
		for _, dep := range deps[name] {
			switch color[dep] {
			case gray:
				cycle = append(append([]string{}, stack...), dep)
				return true
			case white:
				if visit(dep, stack) {
					return true
				}
			}
		}
		color[name] = black
		return false
	}
	for _, st := range steps {
		if color[st.Name] == white {
			if visit(st.Name, nil) {
				return cycle
			}
		}
	}
	return nil
}

// WorkflowRun 一次工作流实例。
type WorkflowRun struct {
	ID         string                   `json:"id" gorm:"primaryKey"`
	WorkflowID string                   `json:"workflow_id" gorm:"index"`
	Status     consts.WorkflowRunStatus `json:"status"`
	Steps      StepList                 `json:"steps" gorm:"type:json"` // 定义快照,注册后修改不影响进行中的实例
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

func (WorkflowRun) TableName() string { return "workflow_runs" }
