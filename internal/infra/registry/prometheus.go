package registry

import (
	"github.com/taskfleet/taskfleet/internal/infra/components/prometheus"
	"github.com/taskfleet/taskfleet/internal/infra/config"
	"github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"
)

func init() {
	Register(consts.COMPONENT_PROMETHEUS, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.Prometheus == nil || !cfg.Prometheus.Enabled {
			return false, nil, nil
		}
		return true, prometheus.NewComponent(cfg.Prometheus), nil
	})
}
