package http_server

import "time"

// HTTPServerConfig defines server settings.
type HTTPServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // e.g. ":8080"
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"` // upper bound for in-flight requests on shutdown
	EnableHealth    bool          `yaml:"enable_health"`
	// ServiceName injected from APPInfo.APPName (not user configurable via YAML directly)
	ServiceName string `yaml:"-"`
}
