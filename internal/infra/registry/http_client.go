package registry

import (
	"github.com/taskfleet/taskfleet/internal/infra/components/http_client"
	"github.com/taskfleet/taskfleet/internal/infra/config"
	"github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"
)

func init() {
	Register(consts.COMPONENT_HTTP_CLIENTS, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.HTTPClients == nil || !cfg.HTTPClients.Enabled {
			return false, nil, nil
		}
		return true, http_client.NewHTTPClientsComponent(cfg.HTTPClients), nil
	})
}
