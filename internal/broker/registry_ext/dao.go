package registry_ext

import (
	bizConfig "github.com/taskfleet/taskfleet/internal/broker/config"
	"github.com/taskfleet/taskfleet/internal/broker/dao"
	"github.com/taskfleet/taskfleet/internal/infra/config"
	"github.com/taskfleet/taskfleet/internal/infra/core"
	"github.com/taskfleet/taskfleet/internal/infra/registry"
)

func dataSource() string {
	if ds := bizConfig.GetBizConfig().DataSource; ds != "" {
		return ds
	}
	return "broker"
}

func init() {
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, dao.NewJobDao(dataSource()), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, dao.NewTaskDao(dataSource()), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, dao.NewWorkerDao(dataSource()), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, dao.NewWorkflowDao(dataSource()), nil
	})
}
