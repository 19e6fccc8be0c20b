package config

// AgentConfig 为 agent 进程的业务配置, 通过 biz_config 段加载.
type AgentConfig struct {
	Broker BrokerClientConfig `yaml:"broker"`
	Worker WorkerConfig       `yaml:"worker"`
	Runner RunnerConfig       `yaml:"runner"`
}

type BrokerClientConfig struct {
	ClientName string `yaml:"client_name"` // http_clients 中的客户端名称
}

type WorkerConfig struct {
	Name                 string            `yaml:"name"`
	Labels               map[string]string `yaml:"labels"`
	Capacity             int               `yaml:"capacity"`
	PollIntervalSec      int               `yaml:"poll_interval_sec"`
	HeartbeatIntervalSec int               `yaml:"heartbeat_interval_sec"`
}

type RunnerConfig struct {
	WorkDir string            `yaml:"work_dir"`
	Env     map[string]string `yaml:"env"` // 追加到每个任务进程的环境变量
}

func (c *WorkerConfig) CapacityOrDefault() int {
	if c.Capacity > 0 {
		return c.Capacity
	}
	return 1
}

func (c *WorkerConfig) PollIntervalOrDefault() int {
	if c.PollIntervalSec > 0 {
		return c.PollIntervalSec
	}
	return 2
}

func (c *WorkerConfig) HeartbeatIntervalOrDefault() int {
	if c.HeartbeatIntervalSec > 0 {
		return c.HeartbeatIntervalSec
	}
	return 10
}

func (c *RunnerConfig) WorkDirOrDefault() string {
	if c.WorkDir != "" {
		return c.WorkDir
	}
	return "/tmp/taskfleet-agent"
}

var biz = &AgentConfig{}

func GetBizConfig() *AgentConfig {
	return biz
}
