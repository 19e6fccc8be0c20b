package registry

import (
	"github.com/taskfleet/taskfleet/internal/infra/components/http_server"
	"github.com/taskfleet/taskfleet/internal/infra/config"
	"github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"
)

func init() {
	Register(consts.COMPONENT_HTTP_SERVER, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.HTTPServer == nil || !cfg.HTTPServer.Enabled {
			return false, nil, nil
		}
		if cfg.HTTPServer.ServiceName == "" && cfg.APPInfo != nil {
			cfg.HTTPServer.ServiceName = cfg.APPInfo.APPName
		}
		return true, http_server.NewHTTPServerComponent(cfg.HTTPServer, c), nil
	})
}
