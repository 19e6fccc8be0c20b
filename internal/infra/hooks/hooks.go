package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HookFunc 钩子函数类型
type HookFunc func(ctx context.Context) error

// Phase 生命周期阶段
type Phase string

const (
	BeforeStart    Phase = "before_start"
	AfterStart     Phase = "after_start"
	BeforeShutdown Phase = "before_shutdown"
	AfterShutdown  Phase = "after_shutdown"
)

// Hook 钩子结构，Priority 数值越小越先执行
type Hook struct {
	Name     string
	Phase    Phase
	Function HookFunc
	Priority int
}

// Manager 钩子管理器
type Manager struct {
	hooks map[Phase][]*Hook
	mutex sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{hooks: make(map[Phase][]*Hook)}
}

func (m *Manager) Register(hook *Hook) error {
	if hook == nil {
		return fmt.Errorf("hook cannot be nil")
	}
	if hook.Function == nil {
		return fmt.Errorf("hook function cannot be nil")
	}
	if !isValidPhase(hook.Phase) {
		return fmt.Errorf("invalid hook phase: %s", hook.Phase)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.hooks[hook.Phase] = append(m.hooks[hook.Phase], hook)
	sort.Slice(m.hooks[hook.Phase], func(i, j int) bool {
		return m.hooks[hook.Phase][i].Priority < m.hooks[hook.Phase][j].Priority
	})
	return nil
}

// Execute 按优先级执行指定阶段的所有钩子，遇错即停
func (m *Manager) Execute(ctx context.Context, phase Phase) error {
	m.mutex.RLock()
	list := make([]*Hook, len(m.hooks[phase]))
	copy(list, m.hooks[phase])
	m.mutex.RUnlock()

	for _, hook := range list {
		if err := hook.Function(ctx); err != nil {
			return fmt.Errorf("hook %s failed: %w", hook.Name, err)
		}
	}
	return nil
}

func isValidPhase(phase Phase) bool {
	switch phase {
	case BeforeStart, AfterStart, BeforeShutdown, AfterShutdown:
		return true
	}
	return false
}

// 全局钩子管理器
var globalHookManager = NewManager()

// RegisterHook 向全局钩子管理器注册钩子
func RegisterHook(name string, phase Phase, function HookFunc, priority int) error {
	return globalHookManager.Register(&Hook{
		Name:     name,
		Phase:    phase,
		Function: function,
		Priority: priority,
	})
}

// ExecuteHooks 执行全局钩子管理器中指定阶段的钩子
func ExecuteHooks(ctx context.Context, phase Phase) error {
	return globalHookManager.Execute(ctx, phase)
}

func GetGlobalHookManager() *Manager {
	return globalHookManager
}
