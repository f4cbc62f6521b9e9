// Package session keeps visitor identity state in memory. Nothing here is
// persisted; a restart logs every visitor out.
package session

import (
	"sync"

	"github.com/spec-kit/relay-access/internal/domain"
)

// Holder owns one visitor's identity. Writers either replace the whole
// identity (login, logout) or compare-and-set against the generation they
// read, so a result computed for a cleared or replaced session is dropped.
type Holder struct {
	id string

	mu         sync.Mutex
	identity   domain.Identity
	generation uint64

	login sync.Mutex
}

// NewHolder returns an empty holder for the given session id.
func NewHolder(id string) *Holder {
	return &Holder{id: id}
}

// ID returns the session id.
func (h *Holder) ID() string {
	return h.id
}

// Snapshot returns the current identity and the generation it belongs to.
func (h *Holder) Snapshot() (domain.Identity, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity, h.generation
}

// Set replaces the identity unconditionally and returns the new generation.
func (h *Holder) Set(identity domain.Identity) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.identity = identity
	h.generation++
	return h.generation
}

// Clear drops the identity. Any later CompareAndSwap against an older
// generation fails, so "no session" wins over in-flight results.
func (h *Holder) Clear() {
	h.Set(domain.Identity{})
}

// CompareAndSwap stores next only if nothing was written since generation
// was observed and the session still carries an identity.
func (h *Holder) CompareAndSwap(generation uint64, next domain.Identity) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.generation != generation || !h.identity.Present() {
		return h.generation, false
	}
	h.identity = next
	h.generation++
	return h.generation, true
}

// Update reads the identity, applies fn and stores the result if no other
// writer raced it.
func (h *Holder) Update(fn func(domain.Identity) domain.Identity) bool {
	current, generation := h.Snapshot()
	if !current.Present() {
		return false
	}
	_, ok := h.CompareAndSwap(generation, fn(current))
	return ok
}

// BeginLogin claims the session's single login slot. The returned release
// func must be called when the login path finishes.
func (h *Holder) BeginLogin() (func(), bool) {
	if !h.login.TryLock() {
		return nil, false
	}
	return h.login.Unlock, true
}
