package session

import (
	"sort"
	"sync"
)

// Registry is a concurrency-safe map of per-session values keyed by session id.
// Managers own one registry each and never share it.
type Registry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// Create stores v under id and returns the value it replaced, if any.
func (r *Registry[T]) Create(id string, v T) (prev T, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, replaced = r.items[id]
	r.items[id] = v
	return prev, replaced
}

func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[id]
	return v, ok
}

func (r *Registry[T]) Remove(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return v, ok
}

// RemoveIf deletes id only when match returns true for the stored value.
func (r *Registry[T]) RemoveIf(id string, match func(T) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	if !ok || !match(v) {
		return false
	}
	delete(r.items, id)
	return true
}

// Keys returns the registered ids in sorted order.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.items))
	for k := range r.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Filter returns the values for which keep returns true.
func (r *Registry[T]) Filter(keep func(id string, v T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []T
	for id, v := range r.items {
		if keep(id, v) {
			out = append(out, v)
		}
	}
	return out
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
