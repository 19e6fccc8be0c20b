package registry

import (
	"github.com/taskfleet/taskfleet/internal/infra/components/redis"
	"github.com/taskfleet/taskfleet/internal/infra/config"
	"github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"
)

func init() {
	Register(consts.COMPONENT_REDIS, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.Redis == nil || !cfg.Redis.Enabled {
			return false, nil, nil
		}
		return true, redis.NewRedisComponent(cfg.Redis), nil
	})
}
