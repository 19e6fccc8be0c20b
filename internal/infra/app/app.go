package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/taskfleet/taskfleet/internal/infra/autowire"
	"github.com/taskfleet/taskfleet/internal/infra/config"
	"github.com/taskfleet/taskfleet/internal/infra/core"
	"github.com/taskfleet/taskfleet/internal/infra/hooks"
	"github.com/taskfleet/taskfleet/internal/infra/registry"
)

// App 应用外壳:加载配置、构建并注册组件、按依赖顺序启停。
type App struct {
	container        *core.Container
	lifecycleManager *core.LifecycleManager
	configManager    *config.ConfigManager

	bootOnce sync.Once
	bootErr  error
	booted   bool

	shutdownTimeout time.Duration
}

func NewApp(env string, configPath string) *App {
	abs := configPath
	if p, err := filepath.Abs(configPath); err == nil {
		abs = p
	}
	container := core.NewContainer()
	// 使用全局钩子管理器,保证业务包 init() 里注册的钩子生效
	lm := core.NewLifecycleManager(container, hooks.GetGlobalHookManager())
	return &App{
		configManager:    config.NewConfigManager(env, abs),
		container:        container,
		lifecycleManager: lm,
		shutdownTimeout:  30 * time.Second,
	}
}

// NewAppWithBiz 便捷构造:同时注入业务配置指针,biz_config 小节将解析到该指针。
func NewAppWithBiz(env, configPath string, biz any) *App {
	a := NewApp(env, configPath)
	a.configManager.SetBizConfig(biz)
	return a
}

// SetShutdownTimeout 自定义优雅停机超时。
func (app *App) SetShutdownTimeout(d time.Duration) { app.shutdownTimeout = d }

func (app *App) boot() error {
	app.bootOnce.Do(func() {
		if err := app.configManager.LoadConfig(); err != nil {
			app.bootErr = fmt.Errorf("load config failed: %w", err)
			return
		}
		if err := app.registerComponents(); err != nil {
			app.bootErr = fmt.Errorf("register components failed: %w", err)
			return
		}
		app.booted = true
	})
	return app.bootErr
}

func (app *App) registerComponents() error {
	cfg := app.configManager.GetConfig()
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	// 各组件在 registry/*.go 的 init() 里自注册构建器,这里统一构建注册。
	if err := registry.BuildAndRegisterAll(cfg, app.container); err != nil {
		return err
	}
	// 注册完成后按 infra tag 注入组件间引用。
	if err := autowire.InjectAll(app.container); err != nil {
		return err
	}
	return nil
}

func (app *App) GetComponent(name string) (core.Component, error) {
	return app.container.Resolve(name)
}

func (app *App) Container() *core.Container { return app.container }

func (app *App) GetConfig() *config.AppConfig {
	if app.configManager == nil {
		return nil
	}
	return app.configManager.GetConfig()
}

func (app *App) AddHook(name string, phase hooks.Phase, fn hooks.HookFunc, priority int) error {
	return app.lifecycleManager.AddHook(name, phase, fn, priority)
}

// Run 监听 SIGINT/SIGTERM,收到信号后优雅停机。
func (app *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.RunWithContext(ctx)
}

// RunWithContext 启动全部组件并阻塞到 ctx 取消,随后优雅停机。
func (app *App) RunWithContext(ctx context.Context) error {
	if err := app.boot(); err != nil {
		return err
	}

	if err := app.lifecycleManager.StartAll(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout)
	defer cancel()
	app.lifecycleManager.StopAll(shutdownCtx)
	return nil
}

func (app *App) Shutdown(ctx context.Context) {
	app.lifecycleManager.StopAll(ctx)
}
