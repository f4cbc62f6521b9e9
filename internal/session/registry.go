package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Registry maps opaque session ids to holders. Sessions idle for longer
// than the TTL, or pushed out once the size bound is hit, are evicted and
// reported through the eviction callback.
type Registry struct {
	mu       sync.Mutex
	sessions *expirable.LRU[string, *Holder]
}

// NewRegistry builds a registry. onEvict may be nil.
func NewRegistry(size int, ttl time.Duration, onEvict func(id string)) *Registry {
	if size <= 0 {
		size = 10000
	}
	var cb expirable.EvictCallback[string, *Holder]
	if onEvict != nil {
		cb = func(id string, h *Holder) {
			h.Clear()
			onEvict(id)
		}
	}
	return &Registry{sessions: expirable.NewLRU[string, *Holder](size, cb, ttl)}
}

// Create allocates an empty session.
func (r *Registry) Create() *Holder {
	h := NewHolder(uuid.NewString())
	r.mu.Lock()
	r.sessions.Add(h.ID(), h)
	r.mu.Unlock()
	return h
}

// Get returns the holder for id and extends its idle deadline. The lookup
// and the refresh happen under one lock so a concurrent Remove is never
// undone.
func (r *Registry) Get(id string) (*Holder, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions.Get(id)
	if !ok {
		return nil, false
	}
	r.sessions.Add(id, h)
	return h, true
}

// Remove deletes the session and fires the eviction callback.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.sessions.Peek(id); ok {
		h.Clear()
	}
	return r.sessions.Remove(id)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}
