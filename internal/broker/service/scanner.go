package service

import (
	"context"
	"fmt"
	"time"

	"github.com/taskfleet/taskfleet/internal/infra/components/logging"
	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	"github.com/taskfleet/taskfleet/internal/broker/config"
	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/dao"
)

// LivenessScanner 周期兜底扫描:
// 1. 过期租约:LEASED 超过 TTL 未确认 → 回退 PENDING(attempt 不变)。
// 2. 失联 worker:心跳超窗的 worker 名下 RUNNING 任务判失败并走重试策略。
// 3. broker 侧超时:RUNNING 超过快照 timeout → TIMED_OUT,容忍卡死的 worker。
// 4. 重试提升:RETRYING 且 run_after 已到 → PENDING,attempt +1。
// 5. 工作流推进:对活跃实例重放评估,补偿丢失的事件。
type LivenessScanner struct {
	*core.BaseComponent
	TaskDao     dao.TaskDao      `infra:"dep:task_dao"`
	WorkerDao   dao.WorkerDao    `infra:"dep:worker_dao"`
	WorkflowSvc *WorkflowService `infra:"dep:workflow_service"`
	WorkflowDao dao.WorkflowDao  `infra:"dep:workflow_dao"`
	Metrics     *BrokerMetrics   `infra:"dep:broker_metrics?"`

	interval        time.Duration
	batchLimit      int
	livenessTimeout time.Duration

	cancel context.CancelFunc
}

func NewLivenessScanner(cfg config.ScannerConfig) *LivenessScanner {
	return &LivenessScanner{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_SVC_SCANNER,
			bizConsts.COMP_DAO_TASK, bizConsts.COMP_DAO_WORKER,
			bizConsts.COMP_SVC_WORKFLOW, bizConsts.COMP_DAO_WORKFLOW, infraConsts.COMPONENT_LOGGING),
		interval:        time.Duration(cfg.IntervalOrDefault()) * time.Second,
		batchLimit:      cfg.BatchLimitOrDefault(),
		livenessTimeout: time.Duration(cfg.WorkerLivenessOrDefault()) * time.Second,
	}
}

func (s *LivenessScanner) Start(ctx context.Context) error {
	if s.IsActive() {
		return nil
	}
	if err := s.BaseComponent.Start(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(loopCtx)
	return nil
}

func (s *LivenessScanner) Stop(ctx context.Context) error {
	if !s.IsActive() {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	return s.BaseComponent.Stop(ctx)
}

func (s *LivenessScanner) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *LivenessScanner) tick(ctx context.Context) {
	now := time.Now()
	s.revertExpiredLeases(ctx, now)
	s.failOrphanedTasks(ctx, now)
	s.enforceTimeouts(ctx, now)
	s.promoteRetrying(ctx, now)
	s.advanceWorkflows(ctx)
	s.observePendingDepth(ctx, now)
}

func (s *LivenessScanner) revertExpiredLeases(ctx context.Context, now time.Time) {
	expired, err := s.TaskDao.ListLeaseExpired(ctx, now, s.batchLimit)
	if err != nil {
		logging.Error(ctx, "scanner list expired leases failed: "+err.Error())
		return
	}
	for _, t := range expired {
		applied, err := s.TaskDao.RevertExpiredLease(ctx, t.ID)
		if err != nil {
			logging.Error(ctx, fmt.Sprintf("revert lease task=%s failed: %v", t.ID, err))
			continue
		}
		if applied {
			logging.Warn(ctx, fmt.Sprintf("lease expired, task %s back to pending (worker=%s)", t.ID, t.AssignedWorkerID))
		}
	}
}

// failOrphanedTasks 失联 worker 名下的 RUNNING 任务判失败并走重试策略。
// LEASED 任务从未被确认,留给租约过期回退处理,不消耗 attempt。
func (s *LivenessScanner) failOrphanedTasks(ctx context.Context, now time.Time) {
	stale, err := s.WorkerDao.ListStale(ctx, now.Add(-s.livenessTimeout))
	if err != nil {
		logging.Error(ctx, "scanner list stale workers failed: "+err.Error())
		return
	}
	for _, w := range stale {
		tasks, err := s.TaskDao.ListActiveByWorker(ctx, w.ID)
		if err != nil {
			logging.Error(ctx, fmt.Sprintf("list active tasks worker=%s failed: %v", w.ID, err))
			continue
		}
		for _, t := range tasks {
			if t.Status != bizConsts.TaskRunning {
				continue
			}
			reason := fmt.Sprintf("worker %s heartbeat lost", w.ID)
			applied, err := s.TaskDao.FailByBroker(ctx, t.ID, reason, false, retryDelay(t, now))
			if err != nil {
				logging.Error(ctx, fmt.Sprintf("mark orphaned task=%s failed: %v", t.ID, err))
				continue
			}
			if applied {
				logging.Warn(ctx, fmt.Sprintf("task %s orphaned by worker %s", t.ID, w.ID))
			}
		}
	}
}

// enforceTimeouts broker 侧独立执行超时,不依赖 worker 自觉上报。
func (s *LivenessScanner) enforceTimeouts(ctx context.Context, now time.Time) {
	running, err := s.TaskDao.ListRunning(ctx, s.batchLimit)
	if err != nil {
		logging.Error(ctx, "scanner list running failed: "+err.Error())
		return
	}
	for _, t := range running {
		if t.StartedAt == nil || now.Sub(*t.StartedAt) < t.Timeout() {
			continue
		}
		applied, err := s.TaskDao.FailByBroker(ctx, t.ID, "broker-enforced timeout", true, retryDelay(t, now))
		if err != nil {
			logging.Error(ctx, fmt.Sprintf("mark timed out task=%s failed: %v", t.ID, err))
			continue
		}
		if !applied {
			continue
		}
		logging.Warn(ctx, fmt.Sprintf("task %s timed out after %s (attempt=%d)", t.ID, t.Timeout(), t.Attempt))
		if s.Metrics != nil {
			s.Metrics.TaskResult(string(bizConsts.TaskTimedOut), now.Sub(*t.StartedAt).Seconds())
		}
	}
}

func (s *LivenessScanner) promoteRetrying(ctx context.Context, now time.Time) {
	due, err := s.TaskDao.ListRetryingDue(ctx, now, s.batchLimit)
	if err != nil {
		logging.Error(ctx, "scanner list retrying failed: "+err.Error())
		return
	}
	for _, t := range due {
		applied, err := s.TaskDao.PromotePending(ctx, t.ID, now)
		if err != nil {
			logging.Error(ctx, fmt.Sprintf("promote retrying task=%s failed: %v", t.ID, err))
			continue
		}
		if applied {
			logging.Info(ctx, fmt.Sprintf("task %s re-enqueued attempt=%d", t.ID, t.Attempt+1))
		}
	}
}

func (s *LivenessScanner) advanceWorkflows(ctx context.Context) {
	runs, err := s.WorkflowDao.ListActiveRuns(ctx, s.batchLimit)
	if err != nil {
		logging.Error(ctx, "scanner list workflow runs failed: "+err.Error())
		return
	}
	for _, run := range runs {
		if err := s.WorkflowSvc.EvaluateRun(ctx, run.ID); err != nil {
			logging.Error(ctx, fmt.Sprintf("evaluate workflow run=%s failed: %v", run.ID, err))
		}
	}
}

func (s *LivenessScanner) observePendingDepth(ctx context.Context, now time.Time) {
	if s.Metrics == nil {
		return
	}
	pending, err := s.TaskDao.ListPendingEligible(ctx, now, s.batchLimit)
	if err != nil {
		return
	}
	s.Metrics.SetPendingDepth(float64(len(pending)))
}
