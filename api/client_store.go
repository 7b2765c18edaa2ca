package api

import (
	"sync"
	"time"

	"github.com/jmcleod/warden/internal/uuid"
	"github.com/jmcleod/warden/session"
)

// ClientStore is a thread-safe in-memory registry of per-client session
// states keyed by the client cookie. States are lost on server restart;
// remember-me tokens restore them.
type ClientStore struct {
	mu          sync.RWMutex
	data        map[string]*clientEntry
	idleTimeout time.Duration
	now         func() time.Time
}

type clientEntry struct {
	state    *session.State
	lastSeen time.Time
}

// NewClientStore creates an empty registry. idleTimeout of 0 disables idle
// expiry.
func NewClientStore(idleTimeout time.Duration) *ClientStore {
	return &ClientStore{
		data:        make(map[string]*clientEntry),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Get returns the state for id and marks it as used. It returns false if the
// client is unknown or has been idle too long.
func (s *ClientStore) Get(id string) (*session.State, bool) {
	if id == "" {
		return nil, false
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[id]
	if !ok {
		return nil, false
	}
	if s.expired(entry, now) {
		delete(s.data, id)
		return nil, false
	}
	entry.lastSeen = now
	return entry.state, true
}

// Register adds st under a new client id and returns the id. Only
// authenticated states are registered, so anonymous traffic cannot grow the
// registry.
func (s *ClientStore) Register(st *session.State) string {
	id := uuid.New()
	s.mu.Lock()
	s.data[id] = &clientEntry{state: st, lastSeen: s.now()}
	s.mu.Unlock()
	return id
}

// Delete forgets a client.
func (s *ClientStore) Delete(id string) {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
}

// Len returns the number of registered clients.
func (s *ClientStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Sweep removes idle clients and returns how many were dropped.
func (s *ClientStore) Sweep() int {
	if s.idleTimeout <= 0 {
		return 0
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, entry := range s.data {
		if s.expired(entry, now) {
			delete(s.data, id)
			n++
		}
	}
	return n
}

func (s *ClientStore) expired(entry *clientEntry, now time.Time) bool {
	return s.idleTimeout > 0 && now.Sub(entry.lastSeen) > s.idleTimeout
}
