package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/taskfleet/taskfleet/internal/infra/components/logging"
	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	"github.com/taskfleet/taskfleet/internal/broker/config"
	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/dao"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
	"github.com/taskfleet/taskfleet/internal/broker/model"
)

const leaseCandidateBatch = 64

// Dispatcher worker 面向的调度核心:注册、心跳、租约分派与结果回收。
// 工作流步骤任务落定后就地触发一次实例评估,扫描器只作为事件丢失时的兜底。
type Dispatcher struct {
	*core.BaseComponent
	TaskDao     dao.TaskDao      `infra:"dep:task_dao"`
	WorkerDao   dao.WorkerDao    `infra:"dep:worker_dao"`
	WorkflowSvc *WorkflowService `infra:"dep:workflow_service?"`
	Metrics     *BrokerMetrics   `infra:"dep:broker_metrics?"`

	leaseTTL        time.Duration
	livenessTimeout time.Duration
	maxPersistTries int
}

func NewDispatcher(dispatchCfg config.DispatchConfig, scanCfg config.ScannerConfig) *Dispatcher {
	return &Dispatcher{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_SVC_DISPATCHER,
			bizConsts.COMP_DAO_TASK, bizConsts.COMP_DAO_WORKER, infraConsts.COMPONENT_LOGGING),
		leaseTTL:        time.Duration(dispatchCfg.LeaseTTLOrDefault()) * time.Second,
		livenessTimeout: time.Duration(scanCfg.WorkerLivenessOrDefault()) * time.Second,
		maxPersistTries: scanCfg.PersistRetryOrDefault(),
	}
}

// Register 注册或刷新一个 worker,容量缺省为 1。
func (d *Dispatcher) Register(ctx context.Context, w *model.Worker) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Capacity <= 0 {
		w.Capacity = 1
	}
	w.LastHeartbeatAt = time.Now()
	if err := d.WorkerDao.Upsert(ctx, w); err != nil {
		return err
	}
	logging.Info(ctx, fmt.Sprintf("worker registered id=%s capacity=%d labels=%v", w.ID, w.Capacity, w.Labels))
	return nil
}

// Heartbeat 刷新 worker 存活时间并整体顺延其租约,
// 应答携带已被操作员取消、需要 worker 终止的任务 ID。
func (d *Dispatcher) Heartbeat(ctx context.Context, workerID string) ([]string, error) {
	now := time.Now()
	ok, err := d.WorkerDao.Heartbeat(ctx, workerID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFoundf("worker %s not registered", workerID)
	}
	if err := d.TaskDao.RenewLeases(ctx, workerID, now.Add(d.leaseTTL)); err != nil {
		return nil, err
	}
	cancelled, err := d.TaskDao.ListCancelledByWorkerSince(ctx, workerID, now.Add(-5*time.Minute))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(cancelled))
	for _, t := range cancelled {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// LeaseNext 在满足标签子集匹配的 PENDING 任务中按调度时间 FIFO 选取一个,
// 原子迁移到 LEASED。没有可分派任务时返回 (nil, nil)。
func (d *Dispatcher) LeaseNext(ctx context.Context, workerID string) (*model.Task, error) {
	now := time.Now()
	w, err := d.WorkerDao.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if !w.Alive(now, d.livenessTimeout) {
		return nil, errs.Conflictf("worker %s heartbeat expired", workerID)
	}
	active, err := d.TaskDao.CountActiveByWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if active >= int64(w.Capacity) {
		return nil, nil
	}

	candidates, err := d.TaskDao.ListPendingEligible(ctx, now, leaseCandidateBatch)
	if err != nil {
		return nil, err
	}
	for _, t := range candidates {
		if !t.Config.Labels.SubsetOf(w.Labels) {
			continue
		}
		applied, err := d.TaskDao.Lease(ctx, t.ID, workerID, t.LeaseVersion, now.Add(d.leaseTTL))
		if err != nil {
			return nil, err
		}
		if !applied {
			// 并发分派竞争失败,尝试下一个候选
			continue
		}
		leased, err := d.TaskDao.Get(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if d.Metrics != nil {
			d.Metrics.LeaseGranted(workerID)
		}
		logging.Info(ctx, fmt.Sprintf("task %s leased to worker=%s attempt=%d lease_version=%d",
			leased.ID, workerID, leased.Attempt, leased.LeaseVersion))
		return leased, nil
	}
	return nil, nil
}

// AckStart worker 确认开始执行:LEASED → RUNNING。
func (d *Dispatcher) AckStart(ctx context.Context, taskID, workerID string, leaseVersion int) error {
	applied, err := d.TaskDao.AckStart(ctx, taskID, workerID, leaseVersion)
	if err != nil {
		return err
	}
	if !applied {
		if d.Metrics != nil {
			d.Metrics.StaleLease()
		}
		return errs.StaleLeasef("task %s ack rejected for worker %s lease_version %d", taskID, workerID, leaseVersion)
	}
	return nil
}

// ReportResult 校验租约后应用终态或重试迁移。失败与重试路由由 DAO 在
// 同一事务里提交,这里只负责算出重试时刻。租约已失效的上报被丢弃,
// 只记录日志,不改任务状态。
func (d *Dispatcher) ReportResult(ctx context.Context, taskID, workerID string, leaseVersion int, r *model.TaskResult) error {
	t, err := d.TaskDao.Get(ctx, taskID)
	if err != nil {
		return err
	}
	clampOutput(t, r)

	var applied bool
	if r.Succeeded() {
		applied, err = d.persist(ctx, func() (bool, error) {
			return d.TaskDao.MarkSucceeded(ctx, taskID, workerID, leaseVersion, r)
		})
	} else {
		retryAt := retryDelay(t, time.Now())
		applied, err = d.persist(ctx, func() (bool, error) {
			return d.TaskDao.MarkFailed(ctx, taskID, workerID, leaseVersion, r, retryAt)
		})
	}
	if err != nil {
		return err
	}
	if !applied {
		if d.Metrics != nil {
			d.Metrics.StaleLease()
		}
		return errs.StaleLeasef("result for task %s from worker %s lease_version %d discarded", taskID, workerID, leaseVersion)
	}

	status := string(bizConsts.TaskSucceeded)
	if !r.Succeeded() {
		status = string(bizConsts.TaskFailed)
		if r.TimedOut {
			status = string(bizConsts.TaskTimedOut)
		}
	}
	if d.Metrics != nil {
		d.Metrics.TaskResult(status, taskDuration(t))
	}
	logging.Info(ctx, fmt.Sprintf("task %s result status=%s exit_code=%d attempt=%d truncated=%v",
		taskID, status, r.ExitCode, t.Attempt, r.Truncated))
	d.notifyWorkflow(ctx, t)
	return nil
}

// CancelTask 操作员取消:状态立即翻转,worker 经由心跳感知并补杀进程。
func (d *Dispatcher) CancelTask(ctx context.Context, taskID string) error {
	t, err := d.TaskDao.Get(ctx, taskID)
	if err != nil {
		return err
	}
	applied, err := d.TaskDao.Cancel(ctx, taskID)
	if err != nil {
		return err
	}
	if !applied {
		return errs.Conflictf("task %s already terminal (%s)", taskID, t.Status)
	}
	logging.Info(ctx, fmt.Sprintf("task %s cancelled", taskID))
	d.notifyWorkflow(ctx, t)
	return nil
}

// persist 守卫更新幂等,持久化瞬时故障按指数退避重试。
func (d *Dispatcher) persist(ctx context.Context, op func() (bool, error)) (bool, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(d.maxPersistTries)))
}

// notifyWorkflow 工作流步骤任务落定后立刻推进所属实例,
// 评估失败只记录日志,由扫描器兜底重放。
func (d *Dispatcher) notifyWorkflow(ctx context.Context, t *model.Task) {
	if t.WorkflowRunID == nil || d.WorkflowSvc == nil {
		return
	}
	if err := d.WorkflowSvc.EvaluateRun(ctx, *t.WorkflowRunID); err != nil {
		logging.Error(ctx, fmt.Sprintf("evaluate workflow run %s after task %s settled failed: %v",
			*t.WorkflowRunID, t.ID, err))
	}
}

// retryDelay 还有尝试额度时返回下一次允许分派的时刻,耗尽返回 nil。
func retryDelay(t *model.Task, failedAt time.Time) *time.Time {
	if t.Attempt >= t.MaxAttempts() {
		return nil
	}
	at := failedAt.Add(t.RetryInterval())
	return &at
}

// clampOutput broker 侧兜底执行输出上限,不信任 agent 自觉截断。
// 超出部分保留头部丢弃剩余,并记录截断标志;未开启捕获的任务丢弃全部输出。
func clampOutput(t *model.Task, r *model.TaskResult) {
	if !t.Config.CaptureOutput {
		r.Output = ""
		return
	}
	if max := t.Config.MaxOutputSize; max > 0 && len(r.Output) > max {
		r.Output = r.Output[:max]
		r.Truncated = true
	}
}

func taskDuration(t *model.Task) float64 {
	if t.StartedAt == nil {
		return -1
	}
	return time.Since(*t.StartedAt).Seconds()
}
