package atlas

import (
	"sync"

	craerrors "github.com/R3E-Network/cra/infrastructure/errors"
)

// Registry holds the set of atlases a resolver currently has loaded. It is
// copy-on-replace (§5): Load and Unload swap in a new map under a short lock
// rather than mutating shared state in place, so List callers never
// observe a partially-updated registry and never hold a lock across I/O.
type Registry struct {
	mu        sync.Mutex
	atlases   map[string]*Atlas
	loadOrder int
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{atlases: make(map[string]*Atlas)}
}

// Load adds a to the registry under its id, assigning it the next load-order
// index. Loading an id that is already present replaces it (version
// upgrade); the old *Atlas is simply dropped from the map — callers holding
// a reference to it from an earlier List call are unaffected.
func (r *Registry) Load(a *Atlas) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Atlas, len(r.atlases)+1)
	for id, existing := range r.atlases {
		next[id] = existing
	}
	a.LoadOrder = r.loadOrder
	r.loadOrder++
	next[a.ID] = a
	r.atlases = next
}

// Unload removes atlasID from the registry. It is a no-op if the id is not loaded.
func (r *Registry) Unload(atlasID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.atlases[atlasID]; !ok {
		return
	}
	next := make(map[string]*Atlas, len(r.atlases)-1)
	for id, existing := range r.atlases {
		if id != atlasID {
			next[id] = existing
		}
	}
	r.atlases = next
}

// Get returns the loaded atlas with the given id.
func (r *Registry) Get(atlasID string) (*Atlas, error) {
	r.mu.Lock()
	a, ok := r.atlases[atlasID]
	r.mu.Unlock()
	if !ok {
		return nil, craerrors.AtlasNotFound(atlasID)
	}
	return a, nil
}

// List returns a snapshot slice of every currently-loaded atlas, ordered by
// load order ascending — the stable cross-atlas tie-break §4.5 and §4.8 rely on.
func (r *Registry) List() []*Atlas {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Atlas, 0, len(r.atlases))
	for _, a := range r.atlases {
		out = append(out, a)
	}
	sortByLoadOrder(out)
	return out
}

func sortByLoadOrder(atlases []*Atlas) {
	for i := 1; i < len(atlases); i++ {
		for j := i; j > 0 && atlases[j].LoadOrder < atlases[j-1].LoadOrder; j-- {
			atlases[j], atlases[j-1] = atlases[j-1], atlases[j]
		}
	}
}
