package sources

import (
	"sort"

	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

// Registry maps source types to their adapters.
type Registry struct {
	adapters map[models.SourceType]interfaces.SourceAdapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[models.SourceType]interfaces.SourceAdapter),
	}
}

// Register adds an adapter, replacing any existing one for its type.
func (r *Registry) Register(adapter interfaces.SourceAdapter) {
	r.adapters[adapter.Type()] = adapter
}

// Get returns the adapter for a source type, or a validation error
// naming the unknown type.
func (r *Registry) Get(sourceType models.SourceType) (interfaces.SourceAdapter, error) {
	adapter, ok := r.adapters[sourceType]
	if !ok {
		return nil, models.ValidationError("unknown source type %q", sourceType)
	}
	return adapter, nil
}

// Types returns the registered source types, sorted for stable output.
func (r *Registry) Types() []models.SourceType {
	types := make([]models.SourceType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
