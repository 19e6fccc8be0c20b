package config

// BrokerConfig 业务配置,由 app_config 的 biz_config 小节解析。
type BrokerConfig struct {
	DataSource string         `yaml:"data_source"` // gorm_db 数据源名称
	Trigger    TriggerConfig  `yaml:"trigger"`
	Dispatch   DispatchConfig `yaml:"dispatch"`
	Scanner    ScannerConfig  `yaml:"scanner"`
}

type TriggerConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"` // 触发评估周期,默认 1s
	MisfireGraceSec int `yaml:"misfire_grace_sec"` // 超过该宽限期的过期触发槽按 skip 策略丢弃,默认 60s
	SlotLockTTLSec  int `yaml:"slot_lock_ttl_sec"` // Redis 槽锁 TTL,默认 120s
}

type DispatchConfig struct {
	LeaseTTLSec int `yaml:"lease_ttl_sec"` // worker 确认启动的租约时限,默认 30s
}

type ScannerConfig struct {
	IntervalSec         int `yaml:"interval_sec"`          // 扫描周期,默认 5s
	BatchLimit          int `yaml:"batch_limit"`           // 单轮扫描批量上限,默认 500
	WorkerLivenessSec   int `yaml:"worker_liveness_sec"`   // 心跳存活窗口,默认 60s
	PersistRetryMaxTrys int `yaml:"persist_retry_max_trys"` // 持久化瞬时失败的退避重试次数,默认 5
}

var biz = &BrokerConfig{}

// GetBizConfig 返回业务配置单例;main 在构建 App 时将其注入 biz_config 解析。
func GetBizConfig() *BrokerConfig { return biz }

func (c *TriggerConfig) PollIntervalOrDefault() int {
	if c.PollIntervalSec <= 0 {
		return 1
	}
	return c.PollIntervalSec
}

func (c *TriggerConfig) MisfireGraceOrDefault() int {
	if c.MisfireGraceSec <= 0 {
		return 60
	}
	return c.MisfireGraceSec
}

func (c *TriggerConfig) SlotLockTTLOrDefault() int {
	if c.SlotLockTTLSec <= 0 {
		return 120
	}
	return c.SlotLockTTLSec
}

func (c *DispatchConfig) LeaseTTLOrDefault() int {
	if c.LeaseTTLSec <= 0 {
		return 30
	}
	return c.LeaseTTLSec
}

func (c *ScannerConfig) IntervalOrDefault() int {
	if c.IntervalSec <= 0 {
		return 5
	}
	return c.IntervalSec
}

func (c *ScannerConfig) BatchLimitOrDefault() int {
	if c.BatchLimit <= 0 {
		return 500
	}
	return c.BatchLimit
}

func (c *ScannerConfig) WorkerLivenessOrDefault() int {
	if c.WorkerLivenessSec <= 0 {
		return 60
	}
	return c.WorkerLivenessSec
}

func (c *ScannerConfig) PersistRetryOrDefault() int {
	if c.PersistRetryMaxTrys <= 0 {
		return 5
	}
	return c.PersistRetryMaxTrys
}
