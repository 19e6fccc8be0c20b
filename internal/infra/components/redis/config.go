package redis

import "time"

// RedisConfig, Mode: single | cluster | sentinel
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"`

	Addresses      []string `yaml:"addresses"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	DB             int      `yaml:"db"`
	SentinelMaster string   `yaml:"sentinel_master"`

	PoolSize     int `yaml:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns"`

	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (c *RedisConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "single"
	}
	if len(c.Addresses) == 0 {
		switch c.Mode {
		case "sentinel":
			c.Addresses = []string{"127.0.0.1:26379"}
		case "cluster":
			c.Addresses = []string{"127.0.0.1:7000", "127.0.0.1:7001", "127.0.0.1:7002"}
		default:
			c.Addresses = []string{"127.0.0.1:6379"}
		}
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 20
	}
	if c.MinIdleConns < 0 {
		c.MinIdleConns = 0
	} else if c.MinIdleConns > c.PoolSize {
		c.MinIdleConns = c.PoolSize / 2
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.DB < 0 {
		c.DB = 0
	}
}
