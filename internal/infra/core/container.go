package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Container 依赖注入容器
type Container struct {
	components map[string]Component
	mutex      sync.RWMutex
}

func NewContainer() *Container {
	return &Container{components: make(map[string]Component)}
}

// Register 注册组件到容器，重名直接报错
func (c *Container) Register(name string, component Component) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.components[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}
	c.components[name] = component
	return nil
}

// Resolve 按名取出组件
func (c *Container) Resolve(name string) (Component, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	component, exists := c.components[name]
	if !exists {
		return nil, fmt.Errorf("component %s not found", name)
	}
	return component, nil
}

func (c *Container) ListRegistered() map[string]Component {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	result := make(map[string]Component, len(c.components))
	for name, comp := range c.components {
		result[name] = comp
	}
	return result
}

// SortComponentsByDependencies 根据依赖关系做拓扑排序，发现环返回错误
func (c *Container) SortComponentsByDependencies() ([]Component, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	result := make([]Component, 0, len(c.components))

	var visit func(string) error
	visit = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("circular dependency detected involving component %s", name)
		}
		if visited[name] {
			return nil
		}

		component, exists := c.components[name]
		if !exists {
			return fmt.Errorf("component %s not found", name)
		}

		visiting[name] = true
		for _, dep := range component.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		result = append(result, component)
		return nil
	}

	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ValidateDependencies 检查声明的依赖是否都已注册，并返回拓扑排序结果（不启动）
func (c *Container) ValidateDependencies() ([]Component, error) {
	c.mutex.RLock()
	missing := make(map[string][]string)
	for name, comp := range c.components {
		for _, dep := range comp.Dependencies() {
			if _, ok := c.components[dep]; !ok {
				missing[name] = append(missing[name], dep)
			}
		}
	}
	c.mutex.RUnlock()

	if len(missing) > 0 {
		var parts []string
		for k, v := range missing {
			parts = append(parts, fmt.Sprintf("%s -> [%s]", k, strings.Join(v, ",")))
		}
		sort.Strings(parts)
		return nil, fmt.Errorf("missing component dependencies: %s", strings.Join(parts, "; "))
	}
	return c.SortComponentsByDependencies()
}
