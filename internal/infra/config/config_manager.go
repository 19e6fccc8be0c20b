package config

import "fmt"

type ConfigManager struct {
	configLoader *Loader
	validator    *Validator
	appConfig    *AppConfig
}

func NewConfigManager(env string, configPath string) *ConfigManager {
	return &ConfigManager{
		configLoader: NewLoader(env, configPath),
		validator:    NewValidator(),
	}
}

// NewConfigManagerWithBiz 便捷构造: 直接提供业务配置指针
func NewConfigManagerWithBiz(env, configPath string, biz any) *ConfigManager {
	cm := NewConfigManager(env, configPath)
	cm.SetBizConfig(biz)
	return cm
}

// SetBizConfig 在 LoadConfig 之前设置业务配置指针
func (cf *ConfigManager) SetBizConfig(b any) {
	if cf != nil && cf.configLoader != nil {
		cf.configLoader.SetBizConfig(b)
	}
}

// BizConfig 返回原始业务配置指针
func (cf *ConfigManager) BizConfig() any {
	if cf == nil || cf.appConfig == nil {
		return nil
	}
	return cf.appConfig.BizConfig
}

func (cf *ConfigManager) GetConfig() *AppConfig {
	return cf.appConfig
}

func (cf *ConfigManager) LoadConfig() error {
	if err := cf.validator.validateConfigFilePath(cf.configLoader.env, cf.configLoader.configPath); err != nil {
		return err
	}

	cfg, err := cf.configLoader.LoadConfig()
	if err != nil {
		return err
	}
	if err = cf.validator.ValidateAppConfig(cfg); err != nil {
		return err
	}
	cf.appConfig = cfg
	return nil
}

// Validator 配置验证器
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) ValidateAppConfig(cfg *AppConfig) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	return nil
}

func (v *Validator) validateConfigFilePath(env string, path string) error {
	if path == "" {
		return fmt.Errorf("config file path cannot be empty")
	}
	if len(path) > 255 {
		return fmt.Errorf("config file path is too long")
	}
	if !fileExists(path) {
		return fmt.Errorf("config file does not exist: %s", path)
	}
	_ = env
	return nil
}
