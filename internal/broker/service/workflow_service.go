package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskfleet/taskfleet/internal/infra/components/logging"
	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/dao"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
	"github.com/taskfleet/taskfleet/internal/broker/model"
)

// WorkflowService 工作流注册与实例推进。
//
// 步骤物化规则:某步骤的全部上游任务 SUCCEEDED 时才创建其 Task;
// 上游被取消,或失败且重试额度耗尽时整个实例判失败,未物化的下游
// 不再创建。额度未耗尽的 FAILED 是重试路由途中的瞬态,实例继续等待。
// 环在注册时拒绝,运行期不再检查。
type WorkflowService struct {
	*core.BaseComponent
	WorkflowDao dao.WorkflowDao `infra:"dep:workflow_dao"`
	JobDao      dao.JobDao      `infra:"dep:job_dao"`
	TaskDao     dao.TaskDao     `infra:"dep:task_dao"`
	Metrics     *BrokerMetrics  `infra:"dep:broker_metrics?"`
}

func NewWorkflowService() *WorkflowService {
	return &WorkflowService{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_SVC_WORKFLOW,
			bizConsts.COMP_DAO_WORKFLOW, bizConsts.COMP_DAO_JOB, bizConsts.COMP_DAO_TASK, infraConsts.COMPONENT_LOGGING),
	}
}

// Register 校验步骤图(含环检测与 Job 引用存在性)后入库。
func (s *WorkflowService) Register(ctx context.Context, w *model.Workflow) (*model.Workflow, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	for _, st := range w.Steps {
		if _, err := s.JobDao.Get(ctx, st.JobID); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, errs.Validationf("step %q references unknown job %s", st.Name, st.JobID)
			}
			return nil, err
		}
	}
	w.ID = uuid.NewString()
	w.Version = 1
	if err := s.WorkflowDao.Create(ctx, w); err != nil {
		return nil, err
	}
	logging.Info(ctx, fmt.Sprintf("workflow registered id=%s steps=%d", w.ID, len(w.Steps)))
	return w, nil
}

func (s *WorkflowService) Get(ctx context.Context, id string) (*model.Workflow, error) {
	return s.WorkflowDao.Get(ctx, id)
}

func (s *WorkflowService) List(ctx context.Context, limit, offset int) ([]*model.Workflow, error) {
	return s.WorkflowDao.List(ctx, limit, offset)
}

func (s *WorkflowService) Update(ctx context.Context, w *model.Workflow) (*model.Workflow, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := s.WorkflowDao.Update(ctx, w); err != nil {
		return nil, err
	}
	return s.WorkflowDao.Get(ctx, w.ID)
}

func (s *WorkflowService) Delete(ctx context.Context, id string) error {
	return s.WorkflowDao.SoftDelete(ctx, id)
}

// StartRun 创建一次实例:快照步骤定义,立即物化所有无上游的根步骤。
func (s *WorkflowService) StartRun(ctx context.Context, workflowID string) (*model.WorkflowRun, error) {
	w, err := s.WorkflowDao.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	run := &model.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: w.ID,
		Status:     bizConsts.WorkflowRunRunning,
		Steps:      w.Steps,
		StartedAt:  time.Now(),
	}
	if err := s.WorkflowDao.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := s.EvaluateRun(ctx, run.ID); err != nil {
		logging.Error(ctx, fmt.Sprintf("workflow run %s initial evaluation failed: %v", run.ID, err))
	}
	logging.Info(ctx, fmt.Sprintf("workflow run started id=%s workflow=%s", run.ID, w.ID))
	return run, nil
}

func (s *WorkflowService) GetRun(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	return s.WorkflowDao.GetRun(ctx, runID)
}

func (s *WorkflowService) ListRuns(ctx context.Context, workflowID string, limit int) ([]*model.WorkflowRun, error) {
	return s.WorkflowDao.ListRunsByWorkflow(ctx, workflowID, limit)
}

// CancelRun 取消实例及其所有未完成的任务。
func (s *WorkflowService) CancelRun(ctx context.Context, runID string) error {
	run, err := s.WorkflowDao.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != bizConsts.WorkflowRunRunning {
		return errs.Conflictf("workflow run %s already terminal (%s)", runID, run.Status)
	}
	tasks, err := s.TaskDao.ListByWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			if _, err := s.TaskDao.Cancel(ctx, t.ID); err != nil {
				return err
			}
		}
	}
	_, err = s.WorkflowDao.FinishRun(ctx, runID, bizConsts.WorkflowRunCancelled)
	return err
}

// EvaluateRun 推进一次实例:物化就绪步骤,或在上游失败/全部成功时收敛实例状态。
// 幂等,可被扫描器与 StartRun 重复调用。
func (s *WorkflowService) EvaluateRun(ctx context.Context, runID string) error {
	run, err := s.WorkflowDao.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != bizConsts.WorkflowRunRunning {
		return nil
	}
	tasks, err := s.TaskDao.ListByWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	byStep := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		if t.StepName != nil {
			byStep[*t.StepName] = t
		}
	}

	allSucceeded := true
	for i := range run.Steps {
		st := &run.Steps[i]

		// 任一上游不可恢复 → 实例失败,停止物化。
		// FAILED 只有在额度耗尽后才算终局,额度未耗尽时任务即将回到
		// RETRYING,实例保持 RUNNING 等待重试结果。
		for _, dep := range st.DependsOn {
			up, ok := byStep[dep]
			if !ok {
				continue
			}
			if upstreamFatal(up) {
				if applied, err := s.WorkflowDao.FinishRun(ctx, runID, bizConsts.WorkflowRunFailed); err != nil {
					return err
				} else if applied {
					logging.Warn(ctx, fmt.Sprintf("workflow run %s failed: step %q upstream %q is %s",
						runID, st.Name, dep, up.Status))
				}
				return nil
			}
		}

		if t, ok := byStep[st.Name]; ok {
			if t.Status != bizConsts.TaskSucceeded {
				allSucceeded = false
			}
			continue
		}
		allSucceeded = false

		if !s.upstreamsSucceeded(st, byStep) {
			continue
		}
		if err := s.materializeStep(ctx, run, st); err != nil {
			return err
		}
	}

	if allSucceeded && len(run.Steps) > 0 {
		if applied, err := s.WorkflowDao.FinishRun(ctx, runID, bizConsts.WorkflowRunSucceeded); err != nil {
			return err
		} else if applied {
			logging.Info(ctx, fmt.Sprintf("workflow run %s succeeded", runID))
		}
	}
	return nil
}

// upstreamFatal 上游任务已无成功的可能:被取消,或失败且重试额度耗尽。
func upstreamFatal(t *model.Task) bool {
	if t.Status == bizConsts.TaskCancelled {
		return true
	}
	return t.Status == bizConsts.TaskFailed && t.Attempt >= t.MaxAttempts()
}

func (s *WorkflowService) upstreamsSucceeded(st *model.WorkflowStep, byStep map[string]*model.Task) bool {
	for _, dep := range st.DependsOn {
		up, ok := byStep[dep]
		if !ok || up.Status != bizConsts.TaskSucceeded {
			return false
		}
	}
	return true
}

func (s *WorkflowService) materializeStep(ctx context.Context, run *model.WorkflowRun, st *model.WorkflowStep) error {
	j, err := s.JobDao.Get(ctx, st.JobID)
	if err != nil {
		return err
	}
	runID, stepName := run.ID, st.Name
	t := &model.Task{
		ID:            uuid.NewString(),
		JobID:         j.ID,
		WorkflowRunID: &runID,
		StepName:      &stepName,
		Config:        j.Config,
		Status:        bizConsts.TaskPending,
		Attempt:       1,
		ScheduledAt:   time.Now(),
	}
	if err := s.TaskDao.Create(ctx, t); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			// 并发评估已物化该步骤
			return nil
		}
		return err
	}
	if s.Metrics != nil {
		s.Metrics.TaskCreated("workflow")
	}
	logging.Info(ctx, fmt.Sprintf("workflow run %s step %q materialized task=%s", run.ID, st.Name, t.ID))
	return nil
}
