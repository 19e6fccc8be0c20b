package service

import (
	"context"
	"sort"
	"sync"
	"time"

	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
	"github.com/taskfleet/taskfleet/internal/broker/model"
	"github.com/taskfleet/taskfleet/internal/infra/core"
)

// memTaskDao mirrors the guarded-update semantics of the real DAO in memory.
type memTaskDao struct {
	*core.BaseComponent
	mu    sync.Mutex
	tasks map[string]*model.Task
}

func newMemTaskDao() *memTaskDao {
	return &memTaskDao{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_DAO_TASK),
		tasks:         map[string]*model.Task{},
	}
}

func (m *memTaskDao) Create(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == "" {
		t.Status = bizConsts.TaskPending
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = time.Now()
	}
	for _, ex := range m.tasks {
		if t.SlotTime != nil && ex.SlotTime != nil && ex.JobID == t.JobID && ex.SlotTime.Equal(*t.SlotTime) {
			return errs.Conflictf("task for job %s slot already exists", t.JobID)
		}
		if t.WorkflowRunID != nil && ex.WorkflowRunID != nil && t.StepName != nil && ex.StepName != nil &&
			*ex.WorkflowRunID == *t.WorkflowRunID && *ex.StepName == *t.StepName {
			return errs.Conflictf("step already materialized")
		}
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memTaskDao) Get(_ context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errs.NotFoundf("task %s", id)
	}
	cp := *t
	return &cp, nil
}

func (m *memTaskDao) List(_ context.Context, statuses []bizConsts.TaskStatus, jobID string, limit, offset int) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if jobID != "" && t.JobID != jobID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, t.Status) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memTaskDao) ListByWorkflowRun(_ context.Context, runID string) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.WorkflowRunID != nil && *t.WorkflowRunID == runID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTaskDao) ListPendingEligible(_ context.Context, now time.Time, limit int) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.Status != bizConsts.TaskPending {
			continue
		}
		if t.RunAfter != nil && t.RunAfter.After(now) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTaskDao) Lease(_ context.Context, taskID, workerID string, expectVersion int, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != bizConsts.TaskPending || t.LeaseVersion != expectVersion {
		return false, nil
	}
	t.Status = bizConsts.TaskLeased
	t.AssignedWorkerID = workerID
	t.LeaseVersion++
	exp := expiresAt
	t.LeaseExpiresAt = &exp
	return true, nil
}

func (m *memTaskDao) AckStart(_ context.Context, taskID, workerID string, leaseVersion int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != bizConsts.TaskLeased || t.AssignedWorkerID != workerID || t.LeaseVersion != leaseVersion {
		return false, nil
	}
	t.Status = bizConsts.TaskRunning
	now := time.Now()
	t.StartedAt = &now
	return true, nil
}

func (m *memTaskDao) RenewLeases(_ context.Context, workerID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.AssignedWorkerID == workerID && isActive(t.Status) {
			exp := expiresAt
			t.LeaseExpiresAt = &exp
		}
	}
	return nil
}

func (m *memTaskDao) CountActiveByWorker(_ context.Context, workerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tasks {
		if t.AssignedWorkerID == workerID && isActive(t.Status) {
			n++
		}
	}
	return n, nil
}

func (m *memTaskDao) CountActiveByJob(_ context.Context, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tasks {
		if t.JobID != jobID {
			continue
		}
		switch t.Status {
		case bizConsts.TaskPending, bizConsts.TaskLeased, bizConsts.TaskRunning,
			bizConsts.TaskRetrying, bizConsts.TaskTimedOut:
			n++
		}
	}
	return n, nil
}

func (m *memTaskDao) MarkSucceeded(_ context.Context, taskID, workerID string, leaseVersion int, r *model.TaskResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || !isActive(t.Status) || t.AssignedWorkerID != workerID || t.LeaseVersion != leaseVersion {
		return false, nil
	}
	t.Status = bizConsts.TaskSucceeded
	code := r.ExitCode
	t.ExitCode = &code
	t.Output = r.Output
	t.Truncated = r.Truncated
	now := time.Now()
	t.FinishedAt = &now
	return true, nil
}

func (m *memTaskDao) MarkFailed(_ context.Context, taskID, workerID string, leaseVersion int, r *model.TaskResult, retryAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || !isActive(t.Status) || t.AssignedWorkerID != workerID || t.LeaseVersion != leaseVersion {
		return false, nil
	}
	code := r.ExitCode
	t.ExitCode = &code
	t.Output = r.Output
	t.Truncated = r.Truncated
	t.ErrorMessage = r.Error
	now := time.Now()
	t.FinishedAt = &now
	routeAfterFailure(t, r.TimedOut, retryAt)
	return true, nil
}

func (m *memTaskDao) FailByBroker(_ context.Context, taskID, reason string, timedOut bool, retryAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || !isActive(t.Status) {
		return false, nil
	}
	t.ErrorMessage = reason
	now := time.Now()
	t.FinishedAt = &now
	routeAfterFailure(t, timedOut, retryAt)
	return true, nil
}

// routeAfterFailure 与真实 DAO 的事务语义一致:失败与重试路由一步完成,
// 耗尽额度的超时同样收敛到终态 FAILED。
func routeAfterFailure(t *model.Task, _ bool, retryAt *time.Time) {
	if retryAt != nil {
		t.Status = bizConsts.TaskRetrying
		ra := *retryAt
		t.RunAfter = &ra
		return
	}
	t.Status = bizConsts.TaskFailed
}

func (m *memTaskDao) PromotePending(_ context.Context, taskID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != bizConsts.TaskRetrying || t.RunAfter == nil || t.RunAfter.After(now) {
		return false, nil
	}
	t.Status = bizConsts.TaskPending
	t.Attempt++
	t.AssignedWorkerID = ""
	t.LeaseExpiresAt = nil
	t.StartedAt = nil
	t.FinishedAt = nil
	return true, nil
}

func (m *memTaskDao) RevertExpiredLease(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != bizConsts.TaskLeased || t.LeaseExpiresAt == nil || t.LeaseExpiresAt.After(time.Now()) {
		return false, nil
	}
	t.Status = bizConsts.TaskPending
	t.AssignedWorkerID = ""
	t.LeaseVersion++
	t.LeaseExpiresAt = nil
	return true, nil
}

func (m *memTaskDao) Cancel(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status.IsTerminal() {
		return false, nil
	}
	t.Status = bizConsts.TaskCancelled
	now := time.Now()
	t.FinishedAt = &now
	return true, nil
}

func (m *memTaskDao) ListLeaseExpired(_ context.Context, now time.Time, limit int) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.Status == bizConsts.TaskLeased && t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTaskDao) ListRetryingDue(_ context.Context, now time.Time, limit int) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.Status == bizConsts.TaskRetrying && t.RunAfter != nil && !t.RunAfter.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTaskDao) ListRunning(_ context.Context, limit int) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.Status == bizConsts.TaskRunning {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTaskDao) ListActiveByWorker(_ context.Context, workerID string) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.AssignedWorkerID == workerID && isActive(t.Status) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTaskDao) ListCancelledByWorkerSince(_ context.Context, workerID string, since time.Time) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.AssignedWorkerID == workerID && t.Status == bizConsts.TaskCancelled &&
			t.FinishedAt != nil && !t.FinishedAt.Before(since) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func isActive(st bizConsts.TaskStatus) bool {
	return st == bizConsts.TaskLeased || st == bizConsts.TaskRunning
}

func containsStatus(set []bizConsts.TaskStatus, st bizConsts.TaskStatus) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

type memWorkerDao struct {
	*core.BaseComponent
	mu      sync.Mutex
	workers map[string]*model.Worker
}

func newMemWorkerDao() *memWorkerDao {
	return &memWorkerDao{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_DAO_WORKER),
		workers:       map[string]*model.Worker{},
	}
}

func (m *memWorkerDao) Upsert(_ context.Context, w *model.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

func (m *memWorkerDao) Get(_ context.Context, id string) (*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, errs.NotFoundf("worker %s", id)
	}
	cp := *w
	return &cp, nil
}

func (m *memWorkerDao) Heartbeat(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return false, nil
	}
	w.LastHeartbeatAt = at
	return true, nil
}

func (m *memWorkerDao) List(_ context.Context) ([]*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Worker
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memWorkerDao) ListStale(_ context.Context, cutoff time.Time) ([]*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Worker
	for _, w := range m.workers {
		if w.LastHeartbeatAt.Before(cutoff) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memJobDao struct {
	*core.BaseComponent
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newMemJobDao() *memJobDao {
	return &memJobDao{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_DAO_JOB),
		jobs:          map[string]*model.Job{},
	}
}

func (m *memJobDao) Create(_ context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memJobDao) Get(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Deleted != 0 {
		return nil, errs.NotFoundf("job %s", id)
	}
	cp := *j
	return &cp, nil
}

func (m *memJobDao) List(_ context.Context, status bizConsts.JobStatus, limit, offset int) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if j.Deleted != 0 {
			continue
		}
		if status != 0 && j.Status != status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memJobDao) ListEnabled(_ context.Context) ([]*model.Job, error) {
	return m.List(context.Background(), bizConsts.JobEnabled, 0, 0)
}

func (m *memJobDao) Update(_ context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok || cur.Deleted != 0 {
		return errs.NotFoundf("job %s", j.ID)
	}
	if cur.Version != j.Version {
		return errs.Conflictf("job %s version mismatch", j.ID)
	}
	cp := *j
	cp.Version++
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memJobDao) UpdateStatus(_ context.Context, id string, status bizConsts.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Deleted != 0 {
		return errs.NotFoundf("job %s", id)
	}
	j.Status = status
	return nil
}

func (m *memJobDao) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return errs.NotFoundf("job %s", id)
	}
	j.Deleted = 1
	return nil
}

type memWorkflowDao struct {
	*core.BaseComponent
	mu        sync.Mutex
	workflows map[string]*model.Workflow
	runs      map[string]*model.WorkflowRun
}

func newMemWorkflowDao() *memWorkflowDao {
	return &memWorkflowDao{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_DAO_WORKFLOW),
		workflows:     map[string]*model.Workflow{},
		runs:          map[string]*model.WorkflowRun{},
	}
}

func (m *memWorkflowDao) Create(_ context.Context, w *model.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workflows[w.ID] = &cp
	return nil
}

func (m *memWorkflowDao) Get(_ context.Context, id string) (*model.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok || w.Deleted != 0 {
		return nil, errs.NotFoundf("workflow %s", id)
	}
	cp := *w
	return &cp, nil
}

func (m *memWorkflowDao) List(_ context.Context, limit, offset int) ([]*model.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Workflow
	for _, w := range m.workflows {
		if w.Deleted == 0 {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memWorkflowDao) Update(_ context.Context, w *model.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.workflows[w.ID]
	if !ok || cur.Deleted != 0 {
		return errs.NotFoundf("workflow %s", w.ID)
	}
	if cur.Version != w.Version {
		return errs.Conflictf("workflow %s version mismatch", w.ID)
	}
	cp := *w
	cp.Version++
	m.workflows[w.ID] = &cp
	return nil
}

func (m *memWorkflowDao) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return errs.NotFoundf("workflow %s", id)
	}
	w.Deleted = 1
	return nil
}

func (m *memWorkflowDao) CreateRun(_ context.Context, run *model.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memWorkflowDao) GetRun(_ context.Context, id string) (*model.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, errs.NotFoundf("workflow run %s", id)
	}
	cp := *r
	return &cp, nil
}

func (m *memWorkflowDao) ListRunsByWorkflow(_ context.Context, workflowID string, limit int) ([]*model.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.WorkflowRun
	for _, r := range m.runs {
		if r.WorkflowID == workflowID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memWorkflowDao) ListActiveRuns(_ context.Context, limit int) ([]*model.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.WorkflowRun
	for _, r := range m.runs {
		if r.Status == bizConsts.WorkflowRunRunning {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memWorkflowDao) FinishRun(_ context.Context, runID string, status bizConsts.WorkflowRunStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != bizConsts.WorkflowRunRunning {
		return false, nil
	}
	r.Status = status
	now := time.Now()
	r.FinishedAt = &now
	return true, nil
}
