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

type WorkflowDao interface {
	core.Component
	Create(ctx context.Context, w *model.Workflow) error
	Get(ctx context.Context, id string) (*model.Workflow, error)
	List(ctx context.Context, limit, offset int) ([]*model.Workflow, error)
	Update(ctx context.Context, w *model.Workflow) error
	SoftDelete(ctx context.Context, id string) error

	CreateRun(ctx context.Context, run *model.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*model.WorkflowRun, error)
	ListRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*model.WorkflowRun, error)
	ListActiveRuns(ctx context.Context, limit int) ([]*model.WorkflowRun, error)
	FinishRun(ctx context.Context, runID string, status bizConsts.WorkflowRunStatus) (bool, error)
}

type workflowDaoImpl struct {
	db *gorm.DB
	*core.BaseComponent
	GormComp *gdb.GormComponent `infra:"dep:gorm_db"`
	dsName   string
}

func NewWorkflowDao(dsName string) WorkflowDao {
	return &workflowDaoImpl{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_DAO_WORKFLOW, infraConsts.COMPONENT_LOGGING),
		dsName:        dsName,
	}
}

func (d *workflowDaoImpl) Start(ctx context.Context) error {
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

func (d *workflowDaoImpl) Create(ctx context.Context, w *model.Workflow) error {
	if w.Version == 0 {
		w.Version = 1
	}
	return d.db.WithContext(ctx).Create(w).Error
}

func (d *workflowDaoImpl) Get(ctx context.Context, id string) (*model.Workflow, error) {
	var w model.Workflow
	if err := d.db.WithContext(ctx).Where("id=? AND deleted=0", id).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundf("workflow %s", id)
		}
		return nil, err
	}
	return &w, nil
}

func (d *workflowDaoImpl) List(ctx context.Context, limit, offset int) ([]*model.Workflow, error) {
	var list []*model.Workflow
	q := d.db.WithContext(ctx).Where("deleted=0").Order("created_at DESC")
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

func (d *workflowDaoImpl) Update(ctx context.Context, w *model.Workflow) error {
	res := d.db.WithContext(ctx).Model(&model.Workflow{}).
		Where("id=? AND version=? AND deleted=0", w.ID, w.Version).
		Updates(map[string]any{
			"name":    w.Name,
			"steps":   w.Steps,
			"version": gorm.Expr("version+1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := d.Get(ctx, w.ID); err != nil {
			return err
		}
		return errs.Conflictf("workflow %s version %d is stale", w.ID, w.Version)
	}
	w.Version++
	return nil
}

func (d *workflowDaoImpl) SoftDelete(ctx context.Context, id string) error {
	res := d.db.WithContext(ctx).Model(&model.Workflow{}).Where("id=? AND deleted=0", id).Update("deleted", 1)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.NotFoundf("workflow %s", id)
	}
	return nil
}

func (d *workflowDaoImpl) CreateRun(ctx context.Context, run *model.WorkflowRun) error {
	if run.Status == "" {
		run.Status = bizConsts.WorkflowRunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	return d.db.WithContext(ctx).Create(run).Error
}

func (d *workflowDaoImpl) GetRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	var run model.WorkflowRun
	if err := d.db.WithContext(ctx).Where("id=?", id).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundf("workflow run %s", id)
		}
		return nil, err
	}
	return &run, nil
}

func (d *workflowDaoImpl) ListRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*model.WorkflowRun, error) {
	var list []*model.WorkflowRun
	q := d.db.WithContext(ctx).Where("workflow_id=?", workflowID).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (d *workflowDaoImpl) ListActiveRuns(ctx context.Context, limit int) ([]*model.WorkflowRun, error) {
	var list []*model.WorkflowRun
	q := d.db.WithContext(ctx).Where("status=?", bizConsts.WorkflowRunRunning).Order("started_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// FinishRun RUNNING → 终态的守卫更新,重复评估时幂等。
func (d *workflowDaoImpl) FinishRun(ctx context.Context, runID string, status bizConsts.WorkflowRunStatus) (bool, error) {
	res := d.db.WithContext(ctx).Model(&model.WorkflowRun{}).
		Where("id=? AND status=?", runID, bizConsts.WorkflowRunRunning).
		Updates(map[string]any{"status": status, "finished_at": time.Now()})
	return res.RowsAffected == 1 && res.Error == nil, res.Error
}
