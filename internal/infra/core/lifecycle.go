package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taskfleet/taskfleet/internal/infra/hooks"
)

// LifecycleManager 生命周期管理器，负责按依赖顺序启动、逆序停止。
// 信号处理由应用外壳负责，这里只管组件的启停编排。
type LifecycleManager struct {
	container      *Container
	hookManager    *hooks.Manager
	mutex          sync.RWMutex
	shutdownCalled bool
	timeout        time.Duration
}

// NewLifecycleManager 钩子管理器通常传全局实例，保证业务包 init() 注册的钩子生效
func NewLifecycleManager(container *Container, hm *hooks.Manager) *LifecycleManager {
	if hm == nil {
		hm = hooks.NewManager()
	}
	return &LifecycleManager{
		container:   container,
		hookManager: hm,
		timeout:     30 * time.Second,
	}
}

// AddHook 添加生命周期钩子
func (lm *LifecycleManager) AddHook(name string, phase hooks.Phase, function hooks.HookFunc, priority int) error {
	return lm.hookManager.Register(&hooks.Hook{
		Name:     name,
		Phase:    phase,
		Function: function,
		Priority: priority,
	})
}

// StartAll 按拓扑顺序启动所有组件，任一失败则回滚已启动的组件
func (lm *LifecycleManager) StartAll(ctx context.Context) error {
	if err := lm.hookManager.Execute(ctx, hooks.BeforeStart); err != nil {
		return fmt.Errorf("before_start hooks failed: %w", err)
	}

	components, err := lm.container.SortComponentsByDependencies()
	if err != nil {
		return fmt.Errorf("failed to sort components: %w", err)
	}

	for _, comp := range components {
		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := comp.Start(startCtx)
		cancel()

		if err != nil {
			log.Printf("Failed to start component %s: %v", comp.Name(), err)
			lm.stopStartedComponents(context.Background(), components, comp.Name())
			return fmt.Errorf("failed to start component %s: %w", comp.Name(), err)
		}
		log.Printf("Component %s started successfully", comp.Name())
	}

	if err := lm.hookManager.Execute(ctx, hooks.AfterStart); err != nil {
		log.Printf("after_start hooks failed: %v", err)
	}
	return nil
}

// StopAll 逆拓扑顺序停止所有活跃组件，幂等
func (lm *LifecycleManager) StopAll(ctx context.Context) {
	lm.mutex.Lock()
	if lm.shutdownCalled {
		lm.mutex.Unlock()
		return
	}
	lm.shutdownCalled = true
	lm.mutex.Unlock()

	log.Println("Initiating shutdown sequence...")

	if err := lm.hookManager.Execute(ctx, hooks.BeforeShutdown); err != nil {
		log.Printf("before_shutdown hooks failed: %v", err)
	}

	components, err := lm.container.SortComponentsByDependencies()
	if err != nil {
		log.Printf("Failed to sort components for shutdown: %v", err)
		registered := lm.container.ListRegistered()
		components = make([]Component, 0, len(registered))
		for _, comp := range registered {
			components = append(components, comp)
		}
	}

	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]
		if !comp.IsActive() {
			continue
		}
		log.Printf("Stopping component: %s", comp.Name())
		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		if err := comp.Stop(stopCtx); err != nil {
			log.Printf("Error stopping component %s: %v", comp.Name(), err)
		}
		cancel()
	}

	if err := lm.hookManager.Execute(ctx, hooks.AfterShutdown); err != nil {
		log.Printf("after_shutdown hooks failed: %v", err)
	}
	log.Println("Shutdown sequence completed")
}

func (lm *LifecycleManager) stopStartedComponents(ctx context.Context, components []Component, failedComponentName string) {
	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]
		if comp.Name() == failedComponentName {
			break
		}
		if comp.IsActive() {
			stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
			if err := comp.Stop(stopCtx); err != nil {
				log.Printf("Error stopping component %s during cleanup: %v", comp.Name(), err)
			}
			cancel()
		}
	}
}

