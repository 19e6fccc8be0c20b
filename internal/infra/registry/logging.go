package registry

import (
	"github.com/taskfleet/taskfleet/internal/infra/components/logging"
	"github.com/taskfleet/taskfleet/internal/infra/config"
	"github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"
)

func init() {
	Register(consts.COMPONENT_LOGGING, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.Logging == nil || !cfg.Logging.Enabled {
			return false, nil, nil
		}
		return true, logging.NewLoggerComponent(cfg.Logging), nil
	})
}
