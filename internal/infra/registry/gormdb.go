package registry

import (
	"github.com/taskfleet/taskfleet/internal/infra/components/gormdb"
	"github.com/taskfleet/taskfleet/internal/infra/config"
	"github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"
)

func init() {
	Register(consts.COMPONENT_GORM_DB, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.GormDB == nil || !cfg.GormDB.Enabled {
			return false, nil, nil
		}
		return true, gormdb.NewGormComponent(cfg.GormDB), nil
	})
}
