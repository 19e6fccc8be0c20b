package http_server

import (
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/taskfleet/taskfleet/internal/infra/core"
)

// RouteRegisterFunc mounts a set of routes on the shared router. Controllers
// resolve their dependencies from the container.
type RouteRegisterFunc func(r chi.Router, c *core.Container) error

var (
	registryMu sync.RWMutex
	registrars []RouteRegisterFunc
)

// RegisterRoutes queues a registrar; executed when the server component starts.
// Typically called from package init() of the controller layer.
func RegisterRoutes(fn RouteRegisterFunc) {
	if fn == nil {
		return
	}
	registryMu.Lock()
	registrars = append(registrars, fn)
	registryMu.Unlock()
}

// snapshot returns a copy.
func snapshot() []RouteRegisterFunc {
	registryMu.RLock()
	cp := make([]RouteRegisterFunc, len(registrars))
	copy(cp, registrars)
	registryMu.RUnlock()
	return cp
}
