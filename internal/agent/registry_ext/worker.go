package registry_ext

import (
	agentConfig "github.com/taskfleet/taskfleet/internal/agent/config"
	"github.com/taskfleet/taskfleet/internal/agent/worker"
	"github.com/taskfleet/taskfleet/internal/infra/config"
	"github.com/taskfleet/taskfleet/internal/infra/core"
	"github.com/taskfleet/taskfleet/internal/infra/registry"
)

func init() {
	agentCfg := agentConfig.GetBizConfig()

	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, worker.NewWorker(agentCfg), nil
	})
}
