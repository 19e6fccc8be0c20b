package registry

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/taskfleet/taskfleet/internal/infra/config"
	"github.com/taskfleet/taskfleet/internal/infra/core"
)

// BuilderFunc 返回 (enabled, component, error)。enabled=false 表示该组件在当前配置下不启用,跳过注册。
type BuilderFunc func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error)

// Builder 保存组件构建器的元信息。
type Builder struct {
	Name       string         // 组件最终名称(auto 构建器可推断)
	Fn         BuilderFunc    // 构建函数
	Auto       bool           // auto 构建器:名称与构建期依赖从 tag 推断
	Deps       []string       // 构建期依赖,用于排序构建器
	prebuilt   core.Component // auto 构建器名称推断阶段缓存的实例
	preEnabled bool           // 缓存的 enabled 标记
}

var builders []*Builder

func findBuilder(name string) *Builder {
	for _, b := range builders {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// Register 以显式名称注册一个组件构建器(不做自动推断)。
func Register(name string, fn BuilderFunc) {
	if name == "" {
		panic("registry: empty name in Register")
	}
	if findBuilder(name) != nil {
		panic("registry: duplicate builder name " + name)
	}
	builders = append(builders, &Builder{Name: name, Fn: fn, Auto: false})
}

// RegisterWithDeps 以显式名称注册构建器,并声明构建期依赖(影响构建顺序)。
func RegisterWithDeps(name string, deps []string, fn BuilderFunc) {
	Register(name, fn)
	if b := findBuilder(name); b != nil {
		b.Deps = append(b.Deps, deps...)
	}
}

// RegisterAuto 注册名称与构建期依赖均自动推断的构建器。
// 构建函数必须产生 Name() 稳定且非空的组件。
func RegisterAuto(fn BuilderFunc) { builders = append(builders, &Builder{Auto: true, Fn: fn}) }

// BuildAndRegisterAll 按以下步骤构建并注册所有组件:
// 1. auto 构建器预构建以推断名称并缓存实例;
// 2. 从 struct tag 推断 auto 构建器的构建期依赖;
// 3. 按依赖拓扑排序构建器;
// 4. 构建(auto 复用缓存实例)并注册到容器。
func BuildAndRegisterAll(cfg *config.AppConfig, c *core.Container) error {
	// Step 1: auto 构建器名称推断
	for _, b := range builders {
		if !b.Auto || b.Name != "" {
			continue
		}
		enabled, comp, err := b.Fn(cfg, c)
		if err != nil || comp == nil {
			b.preEnabled, b.prebuilt = false, nil
			continue
		}
		b.preEnabled, b.prebuilt = enabled, comp
		if !enabled {
			continue
		}
		name := comp.Name()
		if name == "" {
			return fmt.Errorf("auto builder produced unnamed component")
		}
		if existing := findBuilder(name); existing != nil && existing != b {
			return fmt.Errorf("duplicate inferred name: %s", name)
		}
		b.Name = name
	}
	// Step 2: auto 构建器依赖推断
	for _, b := range builders {
		if !b.Auto || len(b.Deps) > 0 || b.Name == "" {
			continue
		}
		comp := b.prebuilt
		if comp == nil || !b.preEnabled {
			continue
		}
		raw := inferTagDependencies(comp)
		var filtered []string
		for _, d := range raw {
			if findBuilder(d) != nil {
				filtered = append(filtered, d)
			}
		}
		b.Deps = filtered
	}
	// Step 3: 拓扑排序
	ordered, err := topoSortBuilders(builders)
	if err != nil {
		return err
	}
	// Step 4: 构建并注册
	for _, b := range ordered {
		var enabled bool
		var comp core.Component
		if b.Auto {
			enabled, comp = b.preEnabled, b.prebuilt
		} else {
			enabled, comp, err = b.Fn(cfg, c)
			if err != nil {
				return fmt.Errorf("build %s failed: %w", b.Name, err)
			}
		}
		if !enabled || comp == nil {
			continue
		}
		if err := c.Register(b.Name, comp); err != nil {
			return fmt.Errorf("register %s failed: %w", b.Name, err)
		}
	}
	applyRuntimeDepExtensions(c)
	return nil
}

// inferTagDependencies 从 `infra:"dep:<name>"` tag 中提取组件名。
func inferTagDependencies(comp core.Component) []string {
	v := reflect.ValueOf(comp)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()
	seen := map[string]struct{}{}
	var out []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		tag := f.Tag.Get("infra")
		if tag == "" || !strings.HasPrefix(tag, "dep:") {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(tag, "dep:"))
		name = strings.TrimSuffix(name, "?")
		if name == "" {
			continue
		}
		if _, exists := seen[name]; exists {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// topoSortBuilders 按构建期依赖对构建器做 Kahn 拓扑排序,名称字典序保证稳定输出。
func topoSortBuilders(list []*Builder) ([]*Builder, error) {
	nameMap := map[string]*Builder{}
	inDeg := map[string]int{}
	adj := map[string][]string{}
	for _, b := range list {
		if b.Name != "" {
			nameMap[b.Name] = b
			inDeg[b.Name] = 0
		}
	}
	for _, b := range list {
		for _, d := range b.Deps {
			if _, ok := nameMap[d]; !ok {
				continue
			}
			adj[d] = append(adj[d], b.Name)
			inDeg[b.Name]++
		}
	}
	var zero []string
	for n, d := range inDeg {
		if d == 0 {
			zero = append(zero, n)
		}
	}
	sort.Strings(zero)
	var ordered []*Builder
	for len(zero) > 0 {
		n := zero[0]
		zero = zero[1:]
		ordered = append(ordered, nameMap[n])
		for _, nxt := range adj[n] {
			inDeg[nxt]--
			if inDeg[nxt] == 0 {
				zero = append(zero, nxt)
			}
		}
		sort.Strings(zero)
	}
	if len(ordered) != len(nameMap) {
		var cyc []string
		for n, d := range inDeg {
			if d > 0 {
				cyc = append(cyc, n)
			}
		}
		sort.Strings(cyc)
		return nil, fmt.Errorf("registry: cyclic builder deps: %v", cyc)
	}
	return ordered, nil
}
