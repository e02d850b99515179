package game

import (
	"sort"
	"sync"

	"github.com/bonfire-party/bonfire/internal/v1/protocol"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// Registry maps game-type labels to factories. Games register themselves at
// startup; room creation resolves the label from the create request.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]types.GameFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]types.GameFactory)}
}

// Register binds a factory to a game-type label. Re-registering a label
// replaces the previous factory.
func (r *Registry) Register(gameType string, factory types.GameFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[gameType] = factory
}

// Resolve returns the factory for the label.
func (r *Registry) Resolve(gameType string) (types.GameFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[gameType]
	if !ok {
		return nil, protocol.NewErrorf(protocol.CodeInvalidInput, "unknown game type %q", gameType)
	}
	return factory, nil
}

// Has reports whether the label is registered.
func (r *Registry) Has(gameType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[gameType]
	return ok
}

// Types returns the registered labels, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
