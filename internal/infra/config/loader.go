package config

import (
	"fmt"
	"os"
	"reflect"

	"gopkg.in/yaml.v3"

	"github.com/taskfleet/taskfleet/internal/infra/consts"
)

// Loader 配置加载器
type Loader struct {
	env        string
	configPath string
	// bizConfig: 业务方传入的指针, 用于填充 biz_config 小节
	bizConfig any
}

func NewLoader(env string, configPath string) *Loader {
	if env == "" {
		env = consts.ENV_DEVELOPMENT
	}
	if configPath == "" {
		configPath = consts.DEFAULT_CONFIG_PATH
	}
	return &Loader{env: env, configPath: configPath}
}

// SetBizConfig 注入业务方自定义配置结构指针, 需要在 LoadConfig 之前调用。
func (l *Loader) SetBizConfig(b any) {
	if b == nil {
		return
	}
	if reflect.TypeOf(b).Kind() != reflect.Ptr {
		panic("SetBizConfig expects a pointer, e.g. &MyBizConfig{}")
	}
	l.bizConfig = b
}

// LoadConfig 先整体解析 AppConfig, 再把 biz_config 子树二次反序列化到业务指针。
// yaml.v3 不会按期望覆盖 interface{} 里的指针内部字段, 必须 re-marshal 一次。
func (l *Loader) LoadConfig() (*AppConfig, error) {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if l.bizConfig != nil && cfg.BizConfig != nil {
		if err := decodeBizSection(cfg.BizConfig, l.bizConfig); err != nil {
			return nil, fmt.Errorf("decode biz_config failed: %w", err)
		}
		cfg.BizConfig = l.bizConfig
	} else if l.bizConfig != nil && cfg.BizConfig == nil {
		// 文件没有 biz_config, 但业务方有默认值, 直接挂上
		cfg.BizConfig = l.bizConfig
	}

	return &cfg, nil
}

// decodeBizSection 将已解析的 interface{} 子树 re-marshal 后反序列化到业务指针, 保留默认值。
func decodeBizSection(raw any, target any) error {
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("re-marshal biz_config failed: %w", err)
	}
	if err := yaml.Unmarshal(buf, target); err != nil {
		return fmt.Errorf("unmarshal biz_config into target failed: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
