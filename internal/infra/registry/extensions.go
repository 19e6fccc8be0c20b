package registry

import (
	"log"
	"sync"

	"github.com/taskfleet/taskfleet/internal/infra/core"
)

// runtimeDepExtMap 保存用户声明的额外运行期依赖边,在组件构建注册之后、
// 生命周期 StartAll 排序之前应用。key: 目标组件名 -> 追加依赖的组件名列表。
var (
	runtimeDepExtMap = map[string][]string{}
	runtimeDepExtMu  sync.Mutex
)

// ExtendRuntimeDependencies 声明组件 target 额外依赖 deps 中的组件。
// 只影响运行期启停顺序(component.Dependencies()),不影响构建器构建顺序
// (构建顺序用 RegisterWithDeps)。必须在 BuildAndRegisterAll 之前声明,
// 通常放在业务包的 init() 里。未注册的 target 在应用阶段被跳过并记录警告。
func ExtendRuntimeDependencies(target string, deps ...string) {
	if target == "" || len(deps) == 0 {
		return
	}
	runtimeDepExtMu.Lock()
	defer runtimeDepExtMu.Unlock()
	runtimeDepExtMap[target] = append(runtimeDepExtMap[target], deps...)
}

// applyRuntimeDepExtensions 遍历已注册组件,对声明过扩展且实现了
// AddDependencies 的组件补齐额外依赖。应用后清空,避免重复执行。
func applyRuntimeDepExtensions(c *core.Container) {
	runtimeDepExtMu.Lock()
	defer runtimeDepExtMu.Unlock()
	if len(runtimeDepExtMap) == 0 {
		return
	}
	for target, extra := range runtimeDepExtMap {
		comp, err := c.Resolve(target)
		if err != nil {
			log.Printf("registry: runtime dep extension target %s not registered (skipped): %v", target, err)
			continue
		}
		if extender, ok := comp.(interface{ AddDependencies(...string) }); ok {
			extender.AddDependencies(extra...)
		} else {
			log.Printf("registry: component %s does not support AddDependencies; extension skipped", target)
		}
	}
	runtimeDepExtMap = map[string][]string{}
}
