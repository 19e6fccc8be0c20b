package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	gdb "github.com/taskfleet/taskfleet/internal/infra/components/gormdb"
	infraConsts "github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"

	bizConsts "github.com/taskfleet/taskfleet/internal/broker/consts"
	"github.com/taskfleet/taskfleet/internal/broker/errs"
	"github.com/taskfleet/taskfleet/internal/broker/model"
)

type WorkerDao interface {
	core.Component
	Upsert(ctx context.Context, w *model.Worker) error
	Get(ctx context.Context, id string) (*model.Worker, error)
	Heartbeat(ctx context.Context, id string, at time.Time) (bool, error)
	List(ctx context.Context) ([]*model.Worker, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]*model.Worker, error)
}

type workerDaoImpl struct {
	db *gorm.DB
	*core.BaseComponent
	GormComp *gdb.GormComponent `infra:"dep:gorm_db"`
	dsName   string
}

func NewWorkerDao(dsName string) WorkerDao {
	return &workerDaoImpl{
		BaseComponent: core.NewBaseComponent(bizConsts.COMP_DAO_WORKER, infraConsts.COMPONENT_LOGGING),
		dsName:        dsName,
	}
}

func (d *workerDaoImpl) Start(ctx context.Context) error {
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

// Upsert 注册即续期:同 ID 重复注册刷新标签、容量与心跳。
func (d *workerDaoImpl) Upsert(ctx context.Context, w *model.Worker) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "address", "labels", "capacity", "last_heartbeat_at", "updated_at"}),
	}).Create(w).Error
}

func (d *workerDaoImpl) Get(ctx context.Context, id string) (*model.Worker, error) {
	var w model.Worker
	if err := d.db.WithContext(ctx).Where("id=?", id).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundf("worker %s", id)
		}
		return nil, err
	}
	return &w, nil
}

func (d *workerDaoImpl) Heartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	res := d.db.WithContext(ctx).Model(&model.Worker{}).
		Where("id=?", id).
		Update("last_heartbeat_at", at)
	return res.RowsAffected == 1 && res.Error == nil, res.Error
}

func (d *workerDaoImpl) List(ctx context.Context) ([]*model.Worker, error) {
	var list []*model.Worker
	if err := d.db.WithContext(ctx).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// ListStale 返回心跳早于 cutoff 的 worker,用于孤儿任务回收。
func (d *workerDaoImpl) ListStale(ctx context.Context, cutoff time.Time) ([]*model.Worker, error) {
	var list []*model.Worker
	if err := d.db.WithContext(ctx).Where("last_heartbeat_at < ?", cutoff).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}
