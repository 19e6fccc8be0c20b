package logging

// LoggingConfig 日志配置
type LoggingConfig struct {
	Enabled    bool        `yaml:"enabled"`
	Level      string      `yaml:"level"`
	Format     string      `yaml:"format"`
	Output     string      `yaml:"output"`
	FileConfig *FileConfig `yaml:"file_config,omitempty"`
}

// FileConfig 文件输出与轮转配置 (lumberjack)
type FileConfig struct {
	Dir        string `yaml:"dir"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}
