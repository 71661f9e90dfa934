package secrets

import (
	"fmt"
	"sort"
	"sync"
)

var (
	instance       Source
	secretBackends = make(map[string]BackendInit)
	lock           sync.RWMutex
)

// Instance returns the instance set via SetInstance. nil if not set.
func Instance() Source {
	lock.RLock()
	defer lock.RUnlock()
	return instance
}

// SetInstance sets the singleton instance of the secrets source.
func SetInstance(source Source) error {
	lock.Lock()
	defer lock.Unlock()
	if instance == nil {
		instance = source
		return nil
	}
	return fmt.Errorf("secrets instance is already"+
		" set to %v", instance.String())
}

// New returns a new Source identified by the supplied backend name.
// secretConfig is a map of key value pairs used for authenticating with
// the backend.
func New(
	name string,
	secretConfig map[string]interface{},
) (Source, error) {
	lock.RLock()
	bInit, exists := secretBackends[name]
	lock.RUnlock()

	if !exists {
		return nil, ErrNotSupported
	}
	return bInit(secretConfig)
}

// Register adds a new backend
func Register(name string, bInit BackendInit) error {
	lock.Lock()
	defer lock.Unlock()
	if _, exists := secretBackends[name]; exists {
		return fmt.Errorf("secrets backend provider %v is already"+
			" registered", name)
	}
	secretBackends[name] = bInit
	return nil
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	lock.RLock()
	defer lock.RUnlock()
	names := make([]string, 0, len(secretBackends))
	for name := range secretBackends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
