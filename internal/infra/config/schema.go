package config

import (
	"github.com/taskfleet/taskfleet/internal/infra/components/gormdb"
	"github.com/taskfleet/taskfleet/internal/infra/components/http_client"
	"github.com/taskfleet/taskfleet/internal/infra/components/http_server"
	"github.com/taskfleet/taskfleet/internal/infra/components/logging"
	"github.com/taskfleet/taskfleet/internal/infra/components/prometheus"
	"github.com/taskfleet/taskfleet/internal/infra/components/redis"
	"github.com/taskfleet/taskfleet/internal/infra/components/telemetry"
)

// AppConfig 应用程序配置结构, 每个组件一个小节, biz_config 留给业务方
type AppConfig struct {
	APPInfo     *APPInfo                       `yaml:"app_info"`
	Logging     *logging.LoggingConfig         `yaml:"logging"`
	HTTPServer  *http_server.HTTPServerConfig  `yaml:"http_server"`
	HTTPClients *http_client.HTTPClientsConfig `yaml:"http_clients"`
	GormDB      *gormdb.Config                 `yaml:"gorm_db"`
	Redis       *redis.RedisConfig             `yaml:"redis"`
	Prometheus  *prometheus.Config             `yaml:"prometheus"`
	Telemetry   *telemetry.Config              `yaml:"telemetry"`
	BizConfig   any                            `yaml:"biz_config"`
}

type APPInfo struct {
	APPName string `yaml:"app_name"`
	ENV     string `yaml:"env"`
}
