package dispatch

import (
	"fmt"
	"sync"

	"postpilot/internal/model"
)

// Platform adapters are implemented outside this module and register
// themselves here, typically from an init function, the way database/sql
// drivers do. The daemon builds its adapter set from this registry.
var (
	registryMu sync.Mutex
	registry   = make(map[model.Platform]Adapter)
)

// RegisterAdapter makes an adapter available under the given platform.
// Registering twice for the same platform panics.
func RegisterAdapter(platform model.Platform, adapter Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if adapter == nil {
		panic("dispatch: RegisterAdapter with nil adapter")
	}
	if _, dup := registry[platform]; dup {
		panic(fmt.Sprintf("dispatch: RegisterAdapter called twice for %s", platform))
	}
	registry[platform] = adapter
}

// RegisteredAdapters returns a copy of the current adapter registry.
func RegisteredAdapters() map[model.Platform]Adapter {
	registryMu.Lock()
	defer registryMu.Unlock()
	adapters := make(map[model.Platform]Adapter, len(registry))
	for p, a := range registry {
		adapters[p] = a
	}
	return adapters
}
