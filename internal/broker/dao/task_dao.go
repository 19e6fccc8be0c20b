package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	gdb "github.com/taskfleet/taskfleet/internal/infra/components/gormdb"
	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
	"github.com/taskfleet/taskfleet/internal/broker/model"
)

// TaskDao 管理任务实例及其状态机迁移。所有状态迁移都是带前置条件的
// 守卫更新(status + lease_version 的 CAS),返回 (applied, err):applied=false
// 表示前置条件不再满足,由调用方决定丢弃或报 StaleLease。
type TaskDao interface {
	core.Component
	Create(ctx context.Context, t *model.Task) error
	Get(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context, statuses []bizConsts.TaskStatus, jobID string, limit, offset int) ([]*model.Task, error)
	ListByWorkflowRun(ctx context.Context, runID string) ([]*model.Task, error)

	// 分派侧
	ListPendingEligible(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	Lease(ctx context.Context, taskID, workerID string, expectVersion int, expiresAt time.Time) (bool, error)
	AckStart(ctx context.Context, taskID, workerID string, leaseVersion int) (bool, error)
	RenewLeases(ctx context.Context, workerID string, expiresAt time.Time) error
	CountActiveByWorker(ctx context.Context, workerID string) (int64, error)
	CountActiveByJob(ctx context.Context, jobID string) (int64, error)

	// 结果侧。失败迁移与重试路由在同一个事务里完成:retryAt 非空时任务
	// 经 FAILED/TIMED_OUT 落到 RETRYING,为空时收敛到终态 FAILED,
	// 中间状态对外不可见,也不存在落库一半的窗口。
	MarkSucceeded(ctx context.Context, taskID, workerID string, leaseVersion int, res *model.TaskResult) (bool, error)
	MarkFailed(ctx context.Context, taskID, workerID string, leaseVersion int, res *model.TaskResult, retryAt *time.Time) (bool, error)
	FailByBroker(ctx context.Context, taskID, reason string, timedOut bool, retryAt *time.Time) (bool, error)
	PromotePending(ctx context.Context, taskID string, now time.Time) (bool, error)
	RevertExpiredLease(ctx context.Context, taskID string) (bool, error)
	Cancel(ctx context.Context, taskID string) (bool, error)

	// 扫描侧
	ListLeaseExpired(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	ListRetryingDue(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	ListRunning(ctx context.Context, limit int) ([]*model.Task, error)
	ListActiveByWorker(ctx context.Context, workerID string) ([]*model.Task, error)
	ListCancelledByWorkerSince(ctx context.Context, workerID string, since time.Time) ([]*model.Task, error)
}

var activeStatuses = []bizConsts.TaskStatus{bizConsts.TaskLeased, bizConsts.TaskRunning}

type taskDaoImpl struct {
	db *gorm.DB
	*core.BaseComponent
	GormComp *gdb.GormComponent `infra:"dep:gorm_db"`
	dsName   string
}

func NewTaskDao(dsName string) TaskDao {
	return &taskDaoImpl{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_DAO_TASK, infraConsts.COMPONENT_LOGGING),
		dsName:        dsName,
	}
}

func (d *taskDaoImpl) Start(ctx context.Context) error {
	if err := d.BaseComponent.Start(ctx); err != nil {
		return err
	}
	db, err := d.GormComp.GetDB(d.dsName)
	if err != nil {
		return fmt.Errorf("get gorm db %s failed: %w", d.dsName, err)
	}
	d.db = db
	return nil
}

// Create 插入新任务实例。(job_id, slot_time) 唯一索引保证同一触发槽只生成
// 一条 Task;重复插入映射为 Conflict,触发器据此实现幂等。
func (d *taskDaoImpl) Create(ctx context.Context, t *model.Task) error {
	if t.Status == "" {
		t.Status = bizConsts.TaskPending
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = time.Now()
	}
	if err := d.db.WithContext(ctx).Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errs.Conflictf("task for job %s slot already exists", t.JobID)
		}
		return err
	}
	return nil
}

func (d *taskDaoImpl) Get(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	if err := d.db.WithContext(ctx).Where("id=?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundf("task %s", id)
		}
		return nil, err
	}
	return &t, nil
}

func (d *taskDaoImpl) List(ctx context.Context, statuses []bizConsts.TaskStatus, jobID string, limit, offset int) ([]*model.Task, error) {
	var list []*model.Task
	q := d.db.WithContext(ctx).Model(&model.Task{})
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if jobID != "" {
		q = q.Where("job_id=?", jobID)
	}
	q = q.Order("created_at DESC")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (d *taskDaoImpl) ListByWorkflowRun(ctx context.Context, runID string) ([]*model.Task, error) {
	var list []*model.Task
	if err := d.db.WithContext(ctx).Where("workflow_run_id=?", runID).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// ListPendingEligible 按调度时间 FIFO 返回可分派的 PENDING 任务,
// 重试延迟未到 (run_after > now) 的排除在外。
func (d *taskDaoImpl) ListPendingEligible(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	var list []*model.Task
	q := d.db.WithContext(ctx).
		Where("status=? AND (run_after IS NULL OR run_after <= ?)", bizConsts.TaskPending, now).
		Order("scheduled_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// Lease PENDING→LEASED 的原子 CAS:status 与 lease_version 同时作为前置条件,
// 两个并发 leaseNext 只有一个能拿到该行。
func (d *taskDaoImpl) Lease(ctx context.Context, taskID, workerID string, expectVersion int, expiresAt time.Time) (bool, error) {
	res := d.db.WithContext(ctx).Model(&model.Task{}).
		Where("id=? AND status=? AND lease_version=?", taskID, bizConsts.TaskPending, expectVersion).
		Updates(map[string]any{
			"status":             bizConsts.TaskLeased,
			"assigned_worker_id": workerID,
			"lease_version":      gorm.Expr("lease_version+1"),
			"lease_expires_at":   expiresAt,
		})
	return res.RowsAffected == 1 && res.Error == nil, res.Error
}

func (d *taskDaoImpl) AckStart(ctx context.Context, taskID, workerID string, leaseVersion int) (bool, error) {
	res := d.db.WithContext(ctx).Model(&model.Task{}).
		Where("id=? AND status=? AND assigned_worker_id=? AND lease_version=?",
			taskID, bizConsts.TaskLeased, workerID, leaseVersion).
		Updates(map[string]any{"status": bizConsts.TaskRunning, "started_at": time.Now()})
	return res.RowsAffected == 1 && res.Error == nil, res.Error
}

// RenewLeases 随 worker 心跳整体顺延其持有的租约。
func (d *taskDaoImpl) RenewLeases(ctx context.Context, workerID string, expiresAt time.Time) error {
	return d.db.WithContext(ctx).Model(&model.Task{}).
		Where("assigned_worker_id=? AND status IN ?", workerID, activeStatuses).
		Update("lease_expires_at", expiresAt).Error
}

func (d *taskDaoImpl) CountActiveByWorker(ctx context.Context, workerID string) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&model.Task{}).
		Where("assigned_worker_id=? AND status IN ?", workerID, activeStatuses).
		Count(&n).Error
	return n, err
}

func (d *taskDaoImpl) CountActiveByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&model.Task{}).
		Where("job_id=? AND status IN ?", jobID,
			[]bizConsts.TaskStatus{bizConsts.TaskPending, bizConsts.TaskLeased, bizConsts.TaskRunning, bizConsts.TaskRetrying, bizConsts.TaskTimedOut}).
		Count(&n).Error
	return n, err
}

func (d *taskDaoImpl) MarkSucceeded(ctx context.Context, taskID, workerID string, leaseVersion int, r *model.TaskResult) (bool, error) {
	res := d.db.WithContext(ctx).Model(&model.Task{}).
		Where("id=? AND status IN ? AND assigned_worker_id=? AND lease_version=?",
			taskID, activeStatuses, workerID, leaseVersion).
		Updates(map[string]any{
			"status":      bizConsts.TaskSucceeded,
			"exit_code":   r.ExitCode,
			"output":      r.Output,
			"truncated":   r.Truncated,
			"finished_at": time.Now(),
		})
	return res.RowsAffected == 1 && res.Error == nil, res.Error
}

// MarkFailed 落一次失败的执行结果并路由后续:FAILED/TIMED_OUT 与
// RETRYING(或耗尽后的终态 FAILED)在同一事务里提交。崩溃不会留下
// "已失败但未路由"的半截任务,并发的工作流评估也观察不到中间状态。
func (d *taskDaoImpl) MarkFailed(ctx context.Context, taskID, workerID string, leaseVersion int, r *model.TaskResult, retryAt *time.Time) (bool, error) {
	status := bizConsts.TaskFailed
	if r.TimedOut {
		status = bizConsts.TaskTimedOut
	}
	applied := false
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Task{}).
			Where("id=? AND status IN ? AND assigned_worker_id=? AND lease_version=?",
				taskID, activeStatuses, workerID, leaseVersion).
			Updates(map[string]any{
				"status":        status,
				"exit_code":     r.ExitCode,
				"output":        r.Output,
				"truncated":     r.Truncated,
				"error_message": r.Error,
				"finished_at":   time.Now(),
			})
		if res.Error != nil || res.RowsAffected != 1 {
			return res.Error
		}
		applied = true
		return d.routeAfterFailure(tx, taskID, retryAt)
	})
	return applied, err
}

// FailByBroker broker 侧判定的失败(兜底超时、worker 心跳丢失),
// 不校验租约以容忍卡死的 worker。重试路由同样在事务内完成。
func (d *taskDaoImpl) FailByBroker(ctx context.Context, taskID, reason string, timedOut bool, retryAt *time.Time) (bool, error) {
	status := bizConsts.TaskFailed
	if timedOut {
		status = bizConsts.TaskTimedOut
	}
	applied := false
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Task{}).
			Where("id=? AND status IN ?", taskID, activeStatuses).
			Updates(map[string]any{
				"status":        status,
				"error_message": reason,
				"finished_at":   time.Now(),
			})
		if res.Error != nil || res.RowsAffected != 1 {
			return res.Error
		}
		applied = true
		return d.routeAfterFailure(tx, taskID, retryAt)
	})
	return applied, err
}

// routeAfterFailure 失败后的第二跳:还有额度则 FAILED|TIMED_OUT → RETRYING,
// 额度耗尽则收敛到终态 FAILED。只在 MarkFailed/FailByBroker 的事务内调用。
func (d *taskDaoImpl) routeAfterFailure(tx *gorm.DB, taskID string, retryAt *time.Time) error {
	failable := []bizConsts.TaskStatus{bizConsts.TaskFailed, bizConsts.TaskTimedOut}
	if retryAt != nil {
		return tx.Model(&model.Task{}).
			Where("id=? AND status IN ?", taskID, failable).
			Updates(map[string]any{"status": bizConsts.TaskRetrying, "run_after": *retryAt}).Error
	}
	return tx.Model(&model.Task{}).
		Where("id=? AND status=?", taskID, bizConsts.TaskTimedOut).
		Update("status", bizConsts.TaskFailed).Error
}

// PromotePending RETRYING → PENDING,attempt +1,清空上一轮租约痕迹。
// 租约 TTL 过期回退不走这里,不增加 attempt。
func (d *taskDaoImpl) PromotePending(ctx context.Context, taskID string, now time.Time) (bool, error) {
	res := d.db.WithContext(ctx).Model(&model.Task{}).
		Where("id=? AND status=? AND run_after <= ?", taskID, bizConsts.TaskRetrying, now).
		Updates(map[string]any{
			"status":             bizConsts.TaskPending,
			"attempt":            gorm.Expr("attempt+1"),
			"assigned_worker_id": "",
			"lease_expires_at":   nil,
			"started_at":         nil,
			"finished_at":        nil,
		})
	return res.RowsAffected == 1 && res.Error == nil, res.Error
}

// RevertExpiredLease LEASED → PENDING,租约未确认即过期,不增加 attempt。
// lease_version +1 使迟到的 ack/上报失效。
func (d *taskDaoImpl) RevertExpiredLease(ctx context.Context, taskID string) (bool, error) {
	res := d.db.WithContext(ctx).Model(&model.Task{}).
		Where("id=? AND status=? AND lease_expires_at <= ?", taskID, bizConsts.TaskLeased, time.Now()).
		Updates(map[string]any{
			"status":             bizConsts.TaskPending,
			"assigned_worker_id": "",
			"lease_version":      gorm.Expr("lease_version+1"),
			"lease_expires_at":   nil,
		})
	return res.RowsAffected == 1 && res.Error == nil, res.Error
}

// Cancel 任意非终态 → CANCELLED。状态立即生效,worker 通过心跳观察到后
// 自行终止进程。
func (d *taskDaoImpl) Cancel(ctx context.Context, taskID string) (bool, error) {
	res := d.db.WithContext(ctx).Model(&model.Task{}).
		Where("id=? AND status IN ?", taskID,
			[]bizConsts.TaskStatus{bizConsts.TaskPending, bizConsts.TaskLeased, bizConsts.TaskRunning, bizConsts.TaskRetrying, bizConsts.TaskTimedOut}).
		Updates(map[string]any{"status": bizConsts.TaskCancelled, "finished_at": time.Now()})
	return res.RowsAffected == 1 && res.Error == nil, res.Error
}

func (d *taskDaoImpl) ListLeaseExpired(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	var list []*model.Task
	q := d.db.WithContext(ctx).
		Where("status=? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?", bizConsts.TaskLeased, now).
		Order("lease_expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (d *taskDaoImpl) ListRetryingDue(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	var list []*model.Task
	q := d.db.WithContext(ctx).
		Where("status=? AND run_after <= ?", bizConsts.TaskRetrying, now).
		Order("run_after ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (d *taskDaoImpl) ListRunning(ctx context.Context, limit int) ([]*model.Task, error) {
	var list []*model.Task
	q := d.db.WithContext(ctx).
		Where("status=?", bizConsts.TaskRunning).
		Order("started_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (d *taskDaoImpl) ListActiveByWorker(ctx context.Context, workerID string) ([]*model.Task, error) {
	var list []*model.Task
	if err := d.db.WithContext(ctx).
		Where("assigned_worker_id=? AND status IN ?", workerID, activeStatuses).
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// ListCancelledByWorkerSince 心跳应答里带回的取消通知来源。
func (d *taskDaoImpl) ListCancelledByWorkerSince(ctx context.Context, workerID string, since time.Time) ([]*model.Task, error) {
	var list []*model.Task
	if err := d.db.WithContext(ctx).
		Where("assigned_worker_id=? AND status=? AND finished_at >= ?", workerID, bizConsts.TaskCancelled, since).
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}
