package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taskfleet/taskfleet/internal/broker/config"
	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
	"github.com/taskfleet/taskfleet/internal/broker/model"
)

func newTestDispatcher(taskDao *memTaskDao, workerDao *memWorkerDao) *Dispatcher {
	d := NewDispatcher(config.DispatchConfig{LeaseTTLSec: 30}, config.ScannerConfig{WorkerLivenessSec: 60, PersistRetryMaxTrys: 1})
	d.TaskDao = taskDao
	d.WorkerDao = workerDao
	return d
}

func registerTestWorker(t *testing.T, d *Dispatcher, id string, labels model.LabelSet, capacity int) {
	t.Helper()
	w := &model.Worker{ID: id, Name: id, Labels: labels, Capacity: capacity}
	if err := d.Register(context.Background(), w); err != nil {
		t.Fatalf("register worker: %v", err)
	}
}

func pendingTask(id, jobID string, scheduledAt time.Time, cfg model.JobConfig) *model.Task {
	return &model.Task{
		ID:          id,
		JobID:       jobID,
		Config:      cfg,
		Status:      bizConsts.TaskPending,
		Attempt:     1,
		ScheduledAt: scheduledAt,
	}
}

func TestLeaseNextFIFO(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", nil, 10)

	base := time.Now().Add(-time.Minute)
	ctx := context.Background()
	taskDao.Create(ctx, pendingTask("t2", "j1", base.Add(2*time.Second), model.JobConfig{Cmd: "true"}))
	taskDao.Create(ctx, pendingTask("t1", "j1", base, model.JobConfig{Cmd: "true"}))
	taskDao.Create(ctx, pendingTask("t3", "j1", base.Add(5*time.Second), model.JobConfig{Cmd: "true"}))

	got, err := d.LeaseNext(ctx, "w1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got == nil || got.ID != "t1" {
		t.Fatalf("expected oldest task t1, got %+v", got)
	}
	if got.Status != bizConsts.TaskLeased || got.LeaseVersion != 1 {
		t.Fatalf("expected LEASED lease_version=1, got status=%s version=%d", got.Status, got.LeaseVersion)
	}
}

func TestLeaseNextLabelAffinity(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", model.LabelSet{"os": "linux"}, 10)

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	taskDao.Create(ctx, pendingTask("gpu", "j1", base, model.JobConfig{Cmd: "true", Labels: model.LabelSet{"gpu": "a100"}}))
	taskDao.Create(ctx, pendingTask("plain", "j1", base.Add(time.Second), model.JobConfig{Cmd: "true", Labels: model.LabelSet{"os": "linux"}}))

	got, err := d.LeaseNext(ctx, "w1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got == nil || got.ID != "plain" {
		t.Fatalf("expected label-compatible task, got %+v", got)
	}

	// 没有剩余可匹配任务时返回 nil
	got, err = d.LeaseNext(ctx, "w1")
	if err != nil || got != nil {
		t.Fatalf("expected no lease, got task=%v err=%v", got, err)
	}
}

func TestLeaseNextCapacity(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", nil, 1)

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	taskDao.Create(ctx, pendingTask("t1", "j1", base, model.JobConfig{Cmd: "true"}))
	taskDao.Create(ctx, pendingTask("t2", "j1", base.Add(time.Second), model.JobConfig{Cmd: "true"}))

	if got, _ := d.LeaseNext(ctx, "w1"); got == nil {
		t.Fatal("expected first lease to succeed")
	}
	got, err := d.LeaseNext(ctx, "w1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got != nil {
		t.Fatalf("expected capacity exhausted, got %+v", got)
	}
}

func TestLeaseNextDeadWorker(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	workerDao.Upsert(context.Background(), &model.Worker{
		ID: "w1", Capacity: 1, LastHeartbeatAt: time.Now().Add(-10 * time.Minute),
	})

	_, err := d.LeaseNext(context.Background(), "w1")
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict for dead worker, got %v", err)
	}
}

func TestAckStartStaleLease(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", nil, 1)

	ctx := context.Background()
	taskDao.Create(ctx, pendingTask("t1", "j1", time.Now().Add(-time.Minute), model.JobConfig{Cmd: "true"}))
	leased, _ := d.LeaseNext(ctx, "w1")

	// 过期的 lease_version 被拒绝
	if err := d.AckStart(ctx, leased.ID, "w1", leased.LeaseVersion-1); !errors.Is(err, errs.ErrStaleLease) {
		t.Fatalf("expected stale lease, got %v", err)
	}
	if err := d.AckStart(ctx, leased.ID, "w1", leased.LeaseVersion); err != nil {
		t.Fatalf("ack with current lease: %v", err)
	}
	cur, _ := taskDao.Get(ctx, leased.ID)
	if cur.Status != bizConsts.TaskRunning {
		t.Fatalf("expected RUNNING, got %s", cur.Status)
	}
}

func TestReportResultSuccess(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", nil, 1)

	ctx := context.Background()
	taskDao.Create(ctx, pendingTask("t1", "j1", time.Now().Add(-time.Minute), model.JobConfig{Cmd: "true", CaptureOutput: true}))
	leased, _ := d.LeaseNext(ctx, "w1")
	if err := d.AckStart(ctx, leased.ID, "w1", leased.LeaseVersion); err != nil {
		t.Fatalf("ack: %v", err)
	}

	res := &model.TaskResult{ExitCode: 0, Output: "done\n", Truncated: false}
	if err := d.ReportResult(ctx, leased.ID, "w1", leased.LeaseVersion, res); err != nil {
		t.Fatalf("report: %v", err)
	}
	cur, _ := taskDao.Get(ctx, leased.ID)
	if cur.Status != bizConsts.TaskSucceeded || cur.Output != "done\n" {
		t.Fatalf("expected SUCCEEDED with output, got status=%s output=%q", cur.Status, cur.Output)
	}
}

func TestReportResultClampsOversizedOutput(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", nil, 1)

	ctx := context.Background()
	cfg := model.JobConfig{Cmd: "true", CaptureOutput: true, MaxOutputSize: 8}
	taskDao.Create(ctx, pendingTask("t1", "j1", time.Now().Add(-time.Minute), cfg))
	leased, _ := d.LeaseNext(ctx, "w1")
	d.AckStart(ctx, leased.ID, "w1", leased.LeaseVersion)

	// agent 未自觉截断时 broker 兜底
	res := &model.TaskResult{ExitCode: 0, Output: "0123456789abcdef"}
	if err := d.ReportResult(ctx, leased.ID, "w1", leased.LeaseVersion, res); err != nil {
		t.Fatalf("report: %v", err)
	}
	cur, _ := taskDao.Get(ctx, leased.ID)
	if cur.Output != "01234567" || !cur.Truncated {
		t.Fatalf("expected clamped output with truncation flag, got output=%q truncated=%v", cur.Output, cur.Truncated)
	}
}

func TestReportResultDropsOutputWhenCaptureDisabled(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", nil, 1)

	ctx := context.Background()
	taskDao.Create(ctx, pendingTask("t1", "j1", time.Now().Add(-time.Minute), model.JobConfig{Cmd: "true"}))
	leased, _ := d.LeaseNext(ctx, "w1")
	d.AckStart(ctx, leased.ID, "w1", leased.LeaseVersion)

	res := &model.TaskResult{ExitCode: 0, Output: "should be dropped"}
	if err := d.ReportResult(ctx, leased.ID, "w1", leased.LeaseVersion, res); err != nil {
		t.Fatalf("report: %v", err)
	}
	cur, _ := taskDao.Get(ctx, leased.ID)
	if cur.Output != "" {
		t.Fatalf("capture disabled, output must be empty, got %q", cur.Output)
	}
}

func TestReportResultStaleDiscarded(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", nil, 1)

	ctx := context.Background()
	taskDao.Create(ctx, pendingTask("t1", "j1", time.Now().Add(-time.Minute), model.JobConfig{Cmd: "true"}))
	leased, _ := d.LeaseNext(ctx, "w1")

	// 租约回退后 lease_version 变化,迟到的上报不落库
	taskDao.mu.Lock()
	taskDao.tasks["t1"].Status = bizConsts.TaskPending
	taskDao.tasks["t1"].LeaseVersion++
	taskDao.mu.Unlock()

	err := d.ReportResult(ctx, "t1", "w1", leased.LeaseVersion, &model.TaskResult{ExitCode: 0})
	if !errors.Is(err, errs.ErrStaleLease) {
		t.Fatalf("expected stale lease, got %v", err)
	}
	cur, _ := taskDao.Get(ctx, "t1")
	if cur.Status != bizConsts.TaskPending {
		t.Fatalf("stale report must not change status, got %s", cur.Status)
	}
}

func TestRetryPolicyBoundedAttempts(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", nil, 1)

	ctx := context.Background()
	cfg := model.JobConfig{Cmd: "false", MaxRetries: 3, RetryIntervalSec: 1}
	taskDao.Create(ctx, pendingTask("t1", "j1", time.Now().Add(-time.Minute), cfg))

	// attempt 1..3 失败后进入 RETRYING,第 4 次失败耗尽额度
	for attempt := 1; attempt <= 4; attempt++ {
		leased, err := d.LeaseNext(ctx, "w1")
		if err != nil || leased == nil {
			t.Fatalf("attempt %d lease failed: task=%v err=%v", attempt, leased, err)
		}
		if leased.Attempt != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, leased.Attempt)
		}
		if err := d.AckStart(ctx, leased.ID, "w1", leased.LeaseVersion); err != nil {
			t.Fatalf("ack: %v", err)
		}
		res := &model.TaskResult{ExitCode: 1, Error: "exit status 1"}
		if err := d.ReportResult(ctx, leased.ID, "w1", leased.LeaseVersion, res); err != nil {
			t.Fatalf("report: %v", err)
		}

		cur, _ := taskDao.Get(ctx, "t1")
		if attempt < 4 {
			if cur.Status != bizConsts.TaskRetrying {
				t.Fatalf("attempt %d: expected RETRYING, got %s", attempt, cur.Status)
			}
			if cur.RunAfter == nil || !cur.RunAfter.After(time.Now().Add(500*time.Millisecond)) {
				t.Fatalf("attempt %d: expected retry delay, got %v", attempt, cur.RunAfter)
			}
			// 扫描器的提升动作
			taskDao.mu.Lock()
			*taskDao.tasks["t1"].RunAfter = time.Now().Add(-time.Second)
			taskDao.mu.Unlock()
			if applied, _ := taskDao.PromotePending(ctx, "t1", time.Now()); !applied {
				t.Fatalf("attempt %d: promote failed", attempt)
			}
		} else {
			if cur.Status != bizConsts.TaskFailed {
				t.Fatalf("expected terminal FAILED after exhausting retries, got %s", cur.Status)
			}
		}
	}
}

func TestReportResultTimeoutExhaustion(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", nil, 1)

	ctx := context.Background()
	cfg := model.JobConfig{Cmd: "sleep", MaxRetries: 0, TimeoutSeconds: 1}
	taskDao.Create(ctx, pendingTask("t1", "j1", time.Now().Add(-time.Minute), cfg))
	leased, _ := d.LeaseNext(ctx, "w1")
	d.AckStart(ctx, leased.ID, "w1", leased.LeaseVersion)

	// 超时且无剩余额度 → 终态 FAILED
	res := &model.TaskResult{ExitCode: -1, TimedOut: true, Error: "timed out after 1s"}
	if err := d.ReportResult(ctx, leased.ID, "w1", leased.LeaseVersion, res); err != nil {
		t.Fatalf("report: %v", err)
	}
	cur, _ := taskDao.Get(ctx, "t1")
	if cur.Status != bizConsts.TaskFailed {
		t.Fatalf("expected FAILED, got %s", cur.Status)
	}
}

func TestReportResultTimeoutWithBudgetRetries(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", nil, 1)

	ctx := context.Background()
	cfg := model.JobConfig{Cmd: "sleep", MaxRetries: 2, TimeoutSeconds: 1, RetryIntervalSec: 10}
	taskDao.Create(ctx, pendingTask("t1", "j1", time.Now().Add(-time.Minute), cfg))
	leased, _ := d.LeaseNext(ctx, "w1")
	d.AckStart(ctx, leased.ID, "w1", leased.LeaseVersion)

	res := &model.TaskResult{ExitCode: -1, TimedOut: true, Error: "timed out after 1s"}
	if err := d.ReportResult(ctx, leased.ID, "w1", leased.LeaseVersion, res); err != nil {
		t.Fatalf("report: %v", err)
	}
	cur, _ := taskDao.Get(ctx, "t1")
	if cur.Status != bizConsts.TaskRetrying {
		t.Fatalf("expected RETRYING after timeout with budget, got %s", cur.Status)
	}
	if cur.RunAfter == nil {
		t.Fatal("expected retry delay recorded")
	}
}

func TestCancelTask(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)
	registerTestWorker(t, d, "w1", nil, 1)

	ctx := context.Background()
	taskDao.Create(ctx, pendingTask("t1", "j1", time.Now().Add(-time.Minute), model.JobConfig{Cmd: "true"}))
	leased, _ := d.LeaseNext(ctx, "w1")

	if err := d.CancelTask(ctx, leased.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cur, _ := taskDao.Get(ctx, leased.ID)
	if cur.Status != bizConsts.TaskCancelled {
		t.Fatalf("expected CANCELLED, got %s", cur.Status)
	}

	// 终态任务再次取消 → Conflict
	if err := d.CancelTask(ctx, leased.ID); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict on terminal task, got %v", err)
	}

	// 心跳应答带回取消通知
	ids, err := d.Heartbeat(ctx, "w1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(ids) != 1 || ids[0] != leased.ID {
		t.Fatalf("expected cancelled id in heartbeat response, got %v", ids)
	}
}

// 两步链工作流加上接好评估通道的 dispatcher,步骤 a 的任务已物化。
func newChainedRunFixture(t *testing.T, taskDao *memTaskDao, workerDao *memWorkerDao) (*Dispatcher, *memWorkflowDao, *model.WorkflowRun) {
	t.Helper()
	ctx := context.Background()
	wfDao := newMemWorkflowDao()
	jobDao := newMemJobDao()
	wfSvc := newTestWorkflowService(wfDao, jobDao, taskDao)
	d := newTestDispatcher(taskDao, workerDao)
	d.WorkflowSvc = wfSvc
	registerTestWorker(t, d, "w1", nil, 4)

	seedJob(t, jobDao, "j-a")
	seedJob(t, jobDao, "j-b")
	wf, err := wfSvc.Register(ctx, &model.Workflow{
		Name: "chain",
		Steps: model.StepList{
			{Name: "a", JobID: "j-a"},
			{Name: "b", JobID: "j-b", DependsOn: []string{"a"}},
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}
	run, err := wfSvc.StartRun(ctx, wf.ID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return d, wfDao, run
}

func TestReportResultAdvancesWorkflow(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d, _, run := newChainedRunFixture(t, taskDao, workerDao)

	ctx := context.Background()
	leased, _ := d.LeaseNext(ctx, "w1")
	if leased == nil {
		t.Fatal("expected step a task leasable")
	}
	d.AckStart(ctx, leased.ID, "w1", leased.LeaseVersion)
	if err := d.ReportResult(ctx, leased.ID, "w1", leased.LeaseVersion, &model.TaskResult{ExitCode: 0}); err != nil {
		t.Fatalf("report: %v", err)
	}

	// 上报即推进,不等扫描器:下游步骤 b 已物化
	tasks, _ := taskDao.ListByWorkflowRun(ctx, run.ID)
	if len(tasks) != 2 {
		t.Fatalf("expected downstream step materialized on report, got %d tasks", len(tasks))
	}
}

func TestCancelWorkflowStepFailsRun(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d, wfDao, run := newChainedRunFixture(t, taskDao, workerDao)

	ctx := context.Background()
	leased, _ := d.LeaseNext(ctx, "w1")
	if err := d.CancelTask(ctx, leased.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	cur, _ := wfDao.GetRun(ctx, run.ID)
	if cur.Status != bizConsts.WorkflowRunFailed {
		t.Fatalf("expected run FAILED after step cancellation, got %s", cur.Status)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	d := newTestDispatcher(newMemTaskDao(), newMemWorkerDao())
	if _, err := d.Heartbeat(context.Background(), "ghost"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLeaseNextConcurrentNoDoubleLease(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	d := newTestDispatcher(taskDao, workerDao)

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	const workers = 8
	for i := 0; i < workers; i++ {
		registerTestWorker(t, d, fmt.Sprintf("w%d", i), nil, 10)
	}
	taskDao.Create(ctx, pendingTask("only", "j1", base, model.JobConfig{Cmd: "true"}))

	var wg sync.WaitGroup
	leased := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			got, err := d.LeaseNext(ctx, id)
			if err != nil {
				t.Errorf("lease %s: %v", id, err)
				return
			}
			if got != nil {
				leased <- id
			}
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()
	close(leased)

	var winners []string
	for id := range leased {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("task leased by %d workers: %v", len(winners), winners)
	}
	final, _ := taskDao.Get(ctx, "only")
	if final.Status != bizConsts.TaskLeased || final.AssignedWorkerID != winners[0] {
		t.Fatalf("final state %s worker=%s, winner=%s", final.Status, final.AssignedWorkerID, winners[0])
	}
}
