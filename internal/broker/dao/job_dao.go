package dao

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	gdb "github.com/taskfleet/taskfleet/internal/infra/components/gormdb"
	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
	"github.com/taskfleet/taskfleet/internal/broker/model"
)

type JobDao interface {
	// Embed component so registry builders can return a JobDao where core.Component is required
	core.Component
	Create(ctx context.Context, j *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, status bizConsts.JobStatus, limit, offset int) ([]*model.Job, error)
	ListEnabled(ctx context.Context) ([]*model.Job, error)
	Update(ctx context.Context, j *model.Job) error
	UpdateStatus(ctx context.Context, id string, status bizConsts.JobStatus) error
	SoftDelete(ctx context.Context, id string) error
}

type jobDaoImpl struct {
	db *gorm.DB
	*core.BaseComponent
	GormComp *gdb.GormComponent `infra:"dep:gorm_db"`
	dsName   string
}

func NewJobDao(dsName string) JobDao {
	return &jobDaoImpl{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_DAO_JOB, infraConsts.COMPONENT_LOGGING),
		dsName:        dsName,
	}
}

func (d *jobDaoImpl) Start(ctx context.Context) error {
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

func (d *jobDaoImpl) Create(ctx context.Context, j *model.Job) error {
	if j.Version == 0 {
		j.Version = 1
	}
	if j.Status == 0 {
		j.Status = bizConsts.JobEnabled
	}
	return d.db.WithContext(ctx).Create(j).Error
}

func (d *jobDaoImpl) Get(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	if err := d.db.WithContext(ctx).Where("id=? AND deleted=0", id).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundf("job %s", id)
		}
		return nil, err
	}
	return &j, nil
}

func (d *jobDaoImpl) List(ctx context.Context, status bizConsts.JobStatus, limit, offset int) ([]*model.Job, error) {
	var list []*model.Job
	q := d.db.WithContext(ctx).Where("deleted=0")
	if status != 0 {
		q = q.Where("status=?", status)
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

func (d *jobDaoImpl) ListEnabled(ctx context.Context) ([]*model.Job, error) {
	var list []*model.Job
	if err := d.db.WithContext(ctx).Where("status=? AND deleted=0", bizConsts.JobEnabled).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// Update 乐观锁更新:version 不匹配返回 Conflict,调用方需重读后重试。
func (d *jobDaoImpl) Update(ctx context.Context, j *model.Job) error {
	updates := map[string]any{
		"name":         j.Name,
		"config":       j.Config,
		"trigger_kind": j.TriggerKind,
		"trigger_expr": j.TriggerExpr,
		"version":      gorm.Expr("version + 1"),
	}
	res := d.db.WithContext(ctx).Model(&model.Job{}).
		Where("id=? AND version=? AND deleted=0", j.ID, j.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := d.Get(ctx, j.ID); err != nil {
			return err
		}
		return errs.Conflictf("job %s version %d is stale", j.ID, j.Version)
	}
	j.Version++
	return nil
}

func (d *jobDaoImpl) UpdateStatus(ctx context.Context, id string, status bizConsts.JobStatus) error {
	res := d.db.WithContext(ctx).Model(&model.Job{}).
		Where("id=? AND deleted=0", id).
		Updates(map[string]any{"status": status, "version": gorm.Expr("version+1")})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.NotFoundf("job %s", id)
	}
	return nil
}

func (d *jobDaoImpl) SoftDelete(ctx context.Context, id string) error {
	res := d.db.WithContext(ctx).Model(&model.Job{}).Where("id=? AND deleted=0", id).Update("deleted", 1)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.NotFoundf("job %s", id)
	}
	return nil
}
