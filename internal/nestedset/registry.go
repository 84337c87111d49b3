package nestedset

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry   = make(map[string]TreeDefinition)
	registryMu sync.RWMutex
)

// Register adds a tree definition to the registry.
// Panics if the table is already registered.
func Register(def TreeDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Table]; exists {
		panic(fmt.Sprintf("tree table already registered: %s", def.Table))
	}
	registry[def.Table] = def.WithDefaults()
}

// Get returns a tree definition by table name.
// Returns false if not found.
func Get(table string) (TreeDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[table]
	return def, ok
}

// All returns all registered tree definitions sorted by table.
func All() []TreeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]TreeDefinition, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Table < result[j].Table
	})
	return result
}

// Count returns the number of registered tree tables.
func Count() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}

// Clear removes all registered tree tables.
// Primarily useful for testing.
func Clear() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]TreeDefinition)
}
