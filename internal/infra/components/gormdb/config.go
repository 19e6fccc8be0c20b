package gormdb

import "time"

// Config top-level gorm config supporting multiple named data sources.
type Config struct {
	Enabled       bool                         `yaml:"enabled"`
	DataSources   map[string]*DataSourceConfig `yaml:"data_sources"`
	LogLevel      string                       `yaml:"log_level"` // silent|error|warn|info|debug
	SlowThreshold time.Duration                `yaml:"slow_threshold"`
}

// DataSourceConfig single datasource settings.
type DataSourceConfig struct {
	Driver string `yaml:"driver"` // mysql (default) | postgres
	DSN    string `yaml:"dsn"`

	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Database string            `yaml:"database"`
	Params   map[string]string `yaml:"params"`

	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_life"`
	ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	PingOnStart  bool          `yaml:"ping_on_start"`

	SkipDefaultTransaction bool `yaml:"skip_default_tx"`
	PrepareStmt            bool `yaml:"prepare_stmt"`

	// Migration: execute .sql files in lexical order, non-recursively.
	MigrateEnabled bool   `yaml:"migrate_enabled"`
	MigrateDir     string `yaml:"migrate_dir"`
}
