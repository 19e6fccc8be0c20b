package telemetry

import "time"

type ExporterType string

const (
	ExporterStdout ExporterType = "stdout"
	ExporterOTLP   ExporterType = "otlp"
)

type OTLPConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Timeout  string `yaml:"timeout"`
}

type Config struct {
	Enabled      bool         `yaml:"enabled"`
	ServiceName  string       `yaml:"service_name"`
	Exporter     ExporterType `yaml:"exporter"` // stdout|otlp
	SampleRatio  float64      `yaml:"sample_ratio"`
	OTLP         *OTLPConfig  `yaml:"otlp"`
	StdoutPretty bool         `yaml:"stdout_pretty"`
	StdoutFile   string       `yaml:"stdout_file"`
}

// applyDefaults: ServiceName is never auto-defaulted, it is injected from
// APPInfo.app_name upstream.
func (c *Config) applyDefaults() {
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		c.SampleRatio = 1.0
	}
	if c.Exporter == "" {
		c.Exporter = ExporterStdout
	}
	if c.OTLP != nil && c.OTLP.Timeout == "" {
		c.OTLP.Timeout = "5s"
	}
}

func (c *Config) otlpTimeout() time.Duration {
	if c.OTLP == nil || c.OTLP.Timeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.OTLP.Timeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
