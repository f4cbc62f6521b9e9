package nostrauth

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	challenge Challenge
	response  *Response
}

// MemoryStore keeps challenges in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (s *MemoryStore) Save(_ context.Context, c Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	s.entries[c.ID] = &memoryEntry{challenge: c}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(id)
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	return e.challenge, nil
}

func (s *MemoryStore) Answer(_ context.Context, id string, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(id)
	if !ok {
		return ErrChallengeNotFound
	}
	if e.response != nil {
		return ErrAlreadyAnswered
	}
	e.response = &resp
	return nil
}

func (s *MemoryStore) Response(_ context.Context, id string) (Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(id)
	if !ok {
		return Response{}, false, ErrChallengeNotFound
	}
	if e.response == nil {
		return Response{}, false, nil
	}
	return *e.response, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// live must be called with mu held.
func (s *MemoryStore) live(id string) (*memoryEntry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if s.now().After(e.challenge.ExpiresAt) {
		delete(s.entries, id)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) sweep() {
	now := s.now()
	for id, e := range s.entries {
		if now.After(e.challenge.ExpiresAt) {
			delete(s.entries, id)
		}
	}
}
