package service

import (
	"context"
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

// JobService 任务定义的增删改查与手动触发。
type JobService struct {
	*core.BaseComponent
	JobDao  dao.JobDao     `infra:"dep:job_dao"`
	TaskDao dao.TaskDao    `infra:"dep:task_dao"`
	Metrics *BrokerMetrics `infra:"dep:broker_metrics?"`
}

func NewJobService() *JobService {
	return &JobService{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_SVC_JOB,
			bizConsts.COMP_DAO_JOB, bizConsts.COMP_DAO_TASK, infraConsts.COMPONENT_LOGGING),
	}
}

func (s *JobService) Create(ctx context.Context, j *model.Job) (*model.Job, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	j.ID = uuid.NewString()
	j.Version = 1
	if j.Status == 0 {
		j.Status = bizConsts.JobEnabled
	}
	if err := s.JobDao.Create(ctx, j); err != nil {
		return nil, err
	}
	logging.Info(ctx, fmt.Sprintf("job created id=%s name=%s trigger=%s", j.ID, j.Name, j.TriggerKind))
	return j, nil
}

func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.JobDao.Get(ctx, id)
}

func (s *JobService) List(ctx context.Context, status bizConsts.JobStatus, limit, offset int) ([]*model.Job, error) {
	return s.JobDao.List(ctx, status, limit, offset)
}

// Update 全量校验后按调用方携带的 version 做乐观锁更新。
func (s *JobService) Update(ctx context.Context, j *model.Job) (*model.Job, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	if err := s.JobDao.Update(ctx, j); err != nil {
		return nil, err
	}
	return s.JobDao.Get(ctx, j.ID)
}

func (s *JobService) Enable(ctx context.Context, id string) error {
	return s.JobDao.UpdateStatus(ctx, id, bizConsts.JobEnabled)
}

func (s *JobService) Disable(ctx context.Context, id string) error {
	return s.JobDao.UpdateStatus(ctx, id, bizConsts.JobDisabled)
}

// Delete 仅当不存在未完成的任务实例时允许删除。
func (s *JobService) Delete(ctx context.Context, id string) error {
	if _, err := s.JobDao.Get(ctx, id); err != nil {
		return err
	}
	n, err := s.TaskDao.CountActiveByJob(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return errs.Conflictf("job %s has %d unfinished tasks", id, n)
	}
	return s.JobDao.SoftDelete(ctx, id)
}

// Trigger 手动触发一次执行。slot_time 留空,不参与槽去重。
func (s *JobService) Trigger(ctx context.Context, id string) (*model.Task, error) {
	j, err := s.JobDao.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	t := &model.Task{
		ID:          uuid.NewString(),
		JobID:       j.ID,
		Config:      j.Config,
		Status:      bizConsts.TaskPending,
		Attempt:     1,
		ScheduledAt: now,
	}
	if err := s.TaskDao.Create(ctx, t); err != nil {
		return nil, err
	}
	if s.Metrics != nil {
		s.Metrics.TaskCreated("manual")
	}
	logging.Info(ctx, fmt.Sprintf("job %s manually triggered task=%s", id, t.ID))
	return t, nil
}
