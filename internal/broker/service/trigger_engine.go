package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskfleet/taskfleet/internal/infra/components/logging"
	infraRedis "github.com/taskfleet/taskfleet/internal/infra/components/redis"
	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	"github.com/taskfleet/taskfleet/internal/broker/config"
	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/dao"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
	"github.com/taskfleet/taskfleet/internal/broker/model"
)

// TriggerEngine 周期评估启用中的 Job,把到期的触发槽物化为 Task。
//
// 同槽幂等分两层:Redis SET NX 槽锁(多副本下的快速去重,尽力而为)
// 加 (job_id, slot_time) 唯一索引(权威)。错过的触发槽采用 skip 策略:
// 宽限期内只补最近一个槽,更早的槽全部跳过,避免停机后积压风暴。
type TriggerEngine struct {
	*core.BaseComponent
	JobDao    dao.JobDao                `infra:"dep:job_dao"`
	TaskDao   dao.TaskDao               `infra:"dep:task_dao"`
	RedisComp *infraRedis.RedisComponent `infra:"dep:redis?"`
	Metrics   *BrokerMetrics            `infra:"dep:broker_metrics?"`

	pollInterval time.Duration
	misfireGrace time.Duration
	slotLockTTL  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTriggerEngine(cfg config.TriggerConfig) *TriggerEngine {
	return &TriggerEngine{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_SVC_TRIGGER,
			bizConsts.COMP_DAO_JOB, bizConsts.COMP_DAO_TASK, infraConsts.COMPONENT_LOGGING),
		pollInterval: time.Duration(cfg.PollIntervalOrDefault()) * time.Second,
		misfireGrace: time.Duration(cfg.MisfireGraceOrDefault()) * time.Second,
		slotLockTTL:  time.Duration(cfg.SlotLockTTLOrDefault()) * time.Second,
	}
}

func (e *TriggerEngine) Start(ctx context.Context) error {
	if e.IsActive() {
		return nil
	}
	if err := e.BaseComponent.Start(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				if err := e.scan(loopCtx, now); err != nil {
					logging.Error(loopCtx, "trigger scan failed: "+err.Error())
				}
			}
		}
	}()
	return nil
}

func (e *TriggerEngine) Stop(ctx context.Context) error {
	if !e.IsActive() {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return e.BaseComponent.Stop(ctx)
}

func (e *TriggerEngine) scan(ctx context.Context, now time.Time) error {
	now = now.Truncate(time.Second)
	jobs, err := e.JobDao.ListEnabled(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.TriggerKind == bizConsts.TriggerNone {
			continue
		}
		slot, ok := e.dueSlot(j, now)
		if !ok {
			continue
		}
		e.fireSlot(ctx, j, slot)
	}
	return nil
}

// dueSlot 返回宽限期窗口内最近一个已到期的触发槽。窗口内没有到期槽时
// ok=false。一个窗口含多个槽时只取最近的,其余按 skip 策略丢弃。
func (e *TriggerEngine) dueSlot(j *model.Job, now time.Time) (time.Time, bool) {
	from := now.Add(-e.misfireGrace)
	var due time.Time
	var found bool
	cursor := from
	for i := 0; i < 1000; i++ {
		next, ok, err := model.NextFire(j.TriggerKind, j.TriggerExpr, cursor)
		if err != nil || !ok {
			return time.Time{}, false
		}
		if next.After(now) {
			break
		}
		due, found = next, true
		cursor = next
	}
	return due, found
}

// fireSlot 幂等地为 (job, slot) 生成一条 Task。
func (e *TriggerEngine) fireSlot(ctx context.Context, j *model.Job, slot time.Time) {
	if !e.acquireSlotLock(ctx, j.ID, slot) {
		return
	}
	t := &model.Task{
		ID:          uuid.NewString(),
		JobID:       j.ID,
		Config:      j.Config,
		Status:      bizConsts.TaskPending,
		Attempt:     1,
		SlotTime:    &slot,
		ScheduledAt: slot,
	}
	if err := e.TaskDao.Create(ctx, t); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			// 槽已由其它评估物化,幂等跳过
			return
		}
		logging.Error(ctx, fmt.Sprintf("trigger job=%s slot=%s create task failed: %v",
			j.ID, slot.Format(time.RFC3339), err))
		return
	}
	if e.Metrics != nil {
		e.Metrics.TriggerFired(string(j.TriggerKind))
		e.Metrics.TaskCreated("trigger")
	}
	logging.Info(ctx, fmt.Sprintf("trigger fired job=%s slot=%s task=%s",
		j.ID, slot.Format(time.RFC3339), t.ID))
}

// acquireSlotLock Redis SET NX 槽锁。Redis 未启用或不可用时直接放行,
// 由唯一索引兜底。
func (e *TriggerEngine) acquireSlotLock(ctx context.Context, jobID string, slot time.Time) bool {
	if e.RedisComp == nil {
		return true
	}
	cli := e.RedisComp.Client()
	if cli == nil {
		return true
	}
	key := fmt.Sprintf("taskfleet:trigger:%s:%d", jobID, slot.Unix())
	ok, err := cli.SetNX(ctx, key, 1, e.slotLockTTL).Result()
	if err != nil {
		logging.Warn(ctx, "slot lock unavailable, falling through to unique index: "+err.Error())
		return true
	}
	return ok
}
