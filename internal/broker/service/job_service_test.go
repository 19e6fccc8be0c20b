package service

import (
	"context"
	"errors"
	"testing"

	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
	"github.com/taskfleet/taskfleet/internal/broker/model"
)

func newTestJobService(jobDao *memJobDao, taskDao *memTaskDao) *JobService {
	s := NewJobService()
	s.JobDao = jobDao
	s.TaskDao = taskDao
	return s
}

func TestJobCreateValidation(t *testing.T) {
	s := newTestJobService(newMemJobDao(), newMemTaskDao())
	ctx := context.Background()

	cases := []struct {
		name string
		job  *model.Job
	}{
		{"empty cmd", &model.Job{Name: "x", Config: model.JobConfig{}, TriggerKind: bizConsts.TriggerNone}},
		{"bad cron", &model.Job{Name: "x", Config: model.JobConfig{Cmd: "true", TimeoutSeconds: 60},
			TriggerKind: bizConsts.TriggerCron, TriggerExpr: "not a cron"}},
		{"bad interval", &model.Job{Name: "x", Config: model.JobConfig{Cmd: "true", TimeoutSeconds: 60},
			TriggerKind: bizConsts.TriggerInterval, TriggerExpr: "-5"}},
		{"negative retries", &model.Job{Name: "x",
			Config: model.JobConfig{Cmd: "true", TimeoutSeconds: 60, MaxRetries: -1}, TriggerKind: bizConsts.TriggerNone}},
	}
	for _, tc := range cases {
		if _, err := s.Create(ctx, tc.job); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}

	j, err := s.Create(ctx, &model.Job{
		Name:        "good",
		Config:      model.JobConfig{Cmd: "echo", Args: []string{"hi"}, TimeoutSeconds: 60},
		TriggerKind: bizConsts.TriggerInterval,
		TriggerExpr: "60",
	})
	if err != nil {
		t.Fatalf("create valid job: %v", err)
	}
	if j.ID == "" || j.Version != 1 || j.Status != bizConsts.JobEnabled {
		t.Fatalf("unexpected defaults: %+v", j)
	}
}

func TestJobUpdateOptimisticLock(t *testing.T) {
	jobDao := newMemJobDao()
	s := newTestJobService(jobDao, newMemTaskDao())
	ctx := context.Background()

	j, _ := s.Create(ctx, &model.Job{
		Name: "j", Config: model.JobConfig{Cmd: "true", TimeoutSeconds: 60}, TriggerKind: bizConsts.TriggerNone,
	})

	j.Name = "renamed"
	updated, err := s.Update(ctx, j)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", updated.Version)
	}

	// 旧 version 再次提交 → Conflict
	j.Version = 1
	if _, err := s.Update(ctx, j); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}
}

func TestJobDeleteGuardedByActiveTasks(t *testing.T) {
	jobDao := newMemJobDao()
	taskDao := newMemTaskDao()
	s := newTestJobService(jobDao, taskDao)
	ctx := context.Background()

	j, _ := s.Create(ctx, &model.Job{
		Name: "j", Config: model.JobConfig{Cmd: "true", TimeoutSeconds: 60}, TriggerKind: bizConsts.TriggerNone,
	})
	task, err := s.Trigger(ctx, j.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if err := s.Delete(ctx, j.ID); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict while task pending, got %v", err)
	}

	taskDao.mu.Lock()
	taskDao.tasks[task.ID].Status = bizConsts.TaskSucceeded
	taskDao.mu.Unlock()
	if err := s.Delete(ctx, j.ID); err != nil {
		t.Fatalf("delete after completion: %v", err)
	}
	if _, err := s.Get(ctx, j.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestJobManualTriggerSnapshotsConfig(t *testing.T) {
	jobDao := newMemJobDao()
	taskDao := newMemTaskDao()
	s := newTestJobService(jobDao, taskDao)
	ctx := context.Background()

	j, _ := s.Create(ctx, &model.Job{
		Name: "j", Config: model.JobConfig{Cmd: "echo", Args: []string{"v1"}, TimeoutSeconds: 60}, TriggerKind: bizConsts.TriggerNone,
	})
	task, err := s.Trigger(ctx, j.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if task.SlotTime != nil {
		t.Fatal("manual trigger must not carry a slot time")
	}
	if task.Status != bizConsts.TaskPending || task.Attempt != 1 {
		t.Fatalf("unexpected task defaults: %+v", task)
	}

	// 触发后修改定义不影响已生成的任务
	j.Config.Args = []string{"v2"}
	if _, err := s.Update(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}
	cur, _ := taskDao.Get(ctx, task.ID)
	if len(cur.Config.Args) != 1 || cur.Config.Args[0] != "v1" {
		t.Fatalf("task config must be a snapshot, got %v", cur.Config.Args)
	}
}
