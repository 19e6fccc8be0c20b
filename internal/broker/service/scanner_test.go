package service

import (
	"context"
	"testing"
	"time"

	"github.com/taskfleet/taskfleet/internal/broker/config"
	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/model"
)

func newTestScanner(taskDao *memTaskDao, workerDao *memWorkerDao, wfDao *memWorkflowDao) *LivenessScanner {
	s := NewLivenessScanner(config.ScannerConfig{IntervalSec: 1, BatchLimit: 100, WorkerLivenessSec: 60, PersistRetryMaxTrys: 1})
	s.TaskDao = taskDao
	s.WorkerDao = workerDao
	s.WorkflowDao = wfDao
	wfSvc := NewWorkflowService()
	wfSvc.WorkflowDao = wfDao
	wfSvc.TaskDao = taskDao
	wfSvc.JobDao = newMemJobDao()
	s.WorkflowSvc = wfSvc
	return s
}

func TestScannerRevertsExpiredLease(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	s := newTestScanner(taskDao, workerDao, newMemWorkflowDao())

	ctx := context.Background()
	task := pendingTask("t1", "j1", time.Now().Add(-time.Minute), model.JobConfig{Cmd: "true"})
	taskDao.Create(ctx, task)

	// 租约已过期但 worker 从未确认
	taskDao.mu.Lock()
	tt := taskDao.tasks["t1"]
	tt.Status = bizConsts.TaskLeased
	tt.AssignedWorkerID = "w1"
	tt.LeaseVersion = 1
	exp := time.Now().Add(-time.Second)
	tt.LeaseExpiresAt = &exp
	taskDao.mu.Unlock()

	s.tick(ctx)

	cur, _ := taskDao.Get(ctx, "t1")
	if cur.Status != bizConsts.TaskPending {
		t.Fatalf("expected PENDING after lease expiry, got %s", cur.Status)
	}
	if cur.Attempt != 1 {
		t.Fatalf("lease expiry must not consume an attempt, got %d", cur.Attempt)
	}
	if cur.LeaseVersion != 2 {
		t.Fatalf("expected lease_version bumped to invalidate late reports, got %d", cur.LeaseVersion)
	}
}

func TestScannerFailsOrphanedTasks(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	s := newTestScanner(taskDao, workerDao, newMemWorkflowDao())

	ctx := context.Background()
	workerDao.Upsert(ctx, &model.Worker{ID: "w1", Capacity: 1, LastHeartbeatAt: time.Now().Add(-10 * time.Minute)})

	task := pendingTask("t1", "j1", time.Now().Add(-time.Minute), model.JobConfig{Cmd: "true", MaxRetries: 1, RetryIntervalSec: 30})
	taskDao.Create(ctx, task)
	taskDao.mu.Lock()
	tt := taskDao.tasks["t1"]
	tt.Status = bizConsts.TaskRunning
	tt.AssignedWorkerID = "w1"
	now := time.Now()
	tt.StartedAt = &now
	taskDao.mu.Unlock()

	s.tick(ctx)

	cur, _ := taskDao.Get(ctx, "t1")
	// 失败后仍有重试额度 → RETRYING
	if cur.Status != bizConsts.TaskRetrying {
		t.Fatalf("expected RETRYING for orphaned task with budget, got %s", cur.Status)
	}
	if cur.ErrorMessage == "" {
		t.Fatal("expected orphan reason recorded")
	}
}

func TestScannerLeavesLeasedTasksToLeaseExpiry(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	s := newTestScanner(taskDao, workerDao, newMemWorkflowDao())

	ctx := context.Background()
	workerDao.Upsert(ctx, &model.Worker{ID: "w1", Capacity: 1, LastHeartbeatAt: time.Now().Add(-10 * time.Minute)})

	// LEASED 从未被确认:即使 worker 已失联,也等租约过期回退,
	// 不走失败路径,不消耗 attempt
	task := pendingTask("t1", "j1", time.Now().Add(-time.Minute), model.JobConfig{Cmd: "true", MaxRetries: 1})
	taskDao.Create(ctx, task)
	taskDao.mu.Lock()
	tt := taskDao.tasks["t1"]
	tt.Status = bizConsts.TaskLeased
	tt.AssignedWorkerID = "w1"
	tt.LeaseVersion = 1
	exp := time.Now().Add(20 * time.Second)
	tt.LeaseExpiresAt = &exp
	taskDao.mu.Unlock()

	s.tick(ctx)

	cur, _ := taskDao.Get(ctx, "t1")
	if cur.Status != bizConsts.TaskLeased {
		t.Fatalf("unacked lease must be left to TTL expiry, got %s", cur.Status)
	}
	if cur.Attempt != 1 {
		t.Fatalf("orphan sweep must not consume an attempt for LEASED, got %d", cur.Attempt)
	}
}

func TestScannerEnforcesTimeout(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	s := newTestScanner(taskDao, workerDao, newMemWorkflowDao())

	ctx := context.Background()
	workerDao.Upsert(ctx, &model.Worker{ID: "w1", Capacity: 1, LastHeartbeatAt: time.Now()})

	task := pendingTask("t1", "j1", time.Now().Add(-time.Hour), model.JobConfig{Cmd: "sleep", TimeoutSeconds: 60, MaxRetries: 0})
	taskDao.Create(ctx, task)
	taskDao.mu.Lock()
	tt := taskDao.tasks["t1"]
	tt.Status = bizConsts.TaskRunning
	tt.AssignedWorkerID = "w1"
	started := time.Now().Add(-2 * time.Minute)
	tt.StartedAt = &started
	taskDao.mu.Unlock()

	s.tick(ctx)

	cur, _ := taskDao.Get(ctx, "t1")
	// 超时且无重试额度 → 终态 FAILED
	if cur.Status != bizConsts.TaskFailed {
		t.Fatalf("expected FAILED after broker-enforced timeout, got %s", cur.Status)
	}
}

func TestScannerTimeoutWithinBudgetRetries(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	s := newTestScanner(taskDao, workerDao, newMemWorkflowDao())

	ctx := context.Background()
	workerDao.Upsert(ctx, &model.Worker{ID: "w1", Capacity: 1, LastHeartbeatAt: time.Now()})

	task := pendingTask("t1", "j1", time.Now().Add(-time.Hour), model.JobConfig{Cmd: "sleep", TimeoutSeconds: 60, MaxRetries: 2, RetryIntervalSec: 15})
	taskDao.Create(ctx, task)
	taskDao.mu.Lock()
	tt := taskDao.tasks["t1"]
	tt.Status = bizConsts.TaskRunning
	tt.AssignedWorkerID = "w1"
	started := time.Now().Add(-2 * time.Minute)
	tt.StartedAt = &started
	taskDao.mu.Unlock()

	s.tick(ctx)

	cur, _ := taskDao.Get(ctx, "t1")
	if cur.Status != bizConsts.TaskRetrying {
		t.Fatalf("expected RETRYING after timeout with budget, got %s", cur.Status)
	}
	if cur.RunAfter == nil {
		t.Fatal("expected retry delay recorded")
	}
}

func TestScannerPromotesRetrying(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	s := newTestScanner(taskDao, workerDao, newMemWorkflowDao())

	ctx := context.Background()
	task := pendingTask("t1", "j1", time.Now().Add(-time.Hour), model.JobConfig{Cmd: "false", MaxRetries: 2})
	taskDao.Create(ctx, task)
	taskDao.mu.Lock()
	tt := taskDao.tasks["t1"]
	tt.Status = bizConsts.TaskRetrying
	due := time.Now().Add(-time.Second)
	tt.RunAfter = &due
	tt.AssignedWorkerID = "w1"
	taskDao.mu.Unlock()

	s.tick(ctx)

	cur, _ := taskDao.Get(ctx, "t1")
	if cur.Status != bizConsts.TaskPending {
		t.Fatalf("expected PENDING after promotion, got %s", cur.Status)
	}
	if cur.Attempt != 2 {
		t.Fatalf("promotion must consume an attempt, got %d", cur.Attempt)
	}
	if cur.AssignedWorkerID != "" {
		t.Fatal("expected previous worker assignment cleared")
	}
}

func TestScannerLeavesFutureRetryAlone(t *testing.T) {
	taskDao := newMemTaskDao()
	workerDao := newMemWorkerDao()
	s := newTestScanner(taskDao, workerDao, newMemWorkflowDao())

	ctx := context.Background()
	task := pendingTask("t1", "j1", time.Now().Add(-time.Hour), model.JobConfig{Cmd: "false", MaxRetries: 2})
	taskDao.Create(ctx, task)
	taskDao.mu.Lock()
	tt := taskDao.tasks["t1"]
	tt.Status = bizConsts.TaskRetrying
	future := time.Now().Add(time.Hour)
	tt.RunAfter = &future
	taskDao.mu.Unlock()

	s.tick(ctx)

	cur, _ := taskDao.Get(ctx, "t1")
	if cur.Status != bizConsts.TaskRetrying {
		t.Fatalf("retry delay not yet due, expected RETRYING, got %s", cur.Status)
	}
}
