package bundle

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dabla/taskrunner/internal/model"
)

// Registry holds the bundles a worker can resolve task logic from.
type Registry struct {
	mu      sync.RWMutex
	bundles map[string][]*Bundle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bundles: make(map[string][]*Bundle)}
}

// Register adds b. The most recently registered version of a name is its
// latest.
func (r *Registry) Register(b *Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles[b.Name] = append(r.bundles[b.Name], b)
}

// Get returns the bundle with name and version. An empty version resolves
// to the latest registered version.
func (r *Registry) Get(name, version string) (*Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.bundles[name]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrBundleNotFound, name)
	}
	if version == "" {
		return versions[len(versions)-1], nil
	}
	for _, b := range versions {
		if b.Version == version {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %q version %q", ErrBundleNotFound, name, version)
}

// List returns every registered bundle version, sorted by name and then
// registration order.
func (r *Registry) List() []model.BundleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.bundles))
	for name := range r.bundles {
		names = append(names, name)
	}
	sort.Strings(names)

	var infos []model.BundleInfo
	for _, name := range names {
		for _, b := range r.bundles[name] {
			infos = append(infos, b.Info())
		}
	}
	return infos
}
