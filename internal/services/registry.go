package services

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/white/activity-engine/internal/models"
)

// DefaultRegistryCapacity bounds the registry when no capacity is configured
const DefaultRegistryCapacity = 10000

// Registry is the in-process activity map shared by request handlers and the
// queue worker. It stores copies, so callers never alias registry state.
// It holds at most its capacity, evicting the least recently used activity.
// A miss does not consult the store; callers fall back themselves.
type Registry struct {
	items *lru.Cache[string, *models.Activity]
}

// NewRegistry creates an empty registry of DefaultRegistryCapacity
func NewRegistry() *Registry {
	return NewRegistryWithCapacity(DefaultRegistryCapacity)
}

// NewRegistryWithCapacity creates an empty registry holding at most capacity
// activities. A non-positive capacity falls back to the default.
func NewRegistryWithCapacity(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistryCapacity
	}
	// lru.New only fails for a non-positive size
	items, _ := lru.New[string, *models.Activity](capacity)
	return &Registry{items: items}
}

// Put stores a copy of the activity
func (r *Registry) Put(activity *models.Activity) {
	r.items.Add(activity.ID, activity.Clone())
}

// Get returns a copy of the activity, if present
func (r *Registry) Get(id string) (*models.Activity, bool) {
	a, ok := r.items.Get(id)
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Remove drops the activity
func (r *Registry) Remove(id string) {
	r.items.Remove(id)
}

// Len returns the number of registered activities
func (r *Registry) Len() int {
	return r.items.Len()
}
