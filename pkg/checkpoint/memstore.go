package checkpoint

import (
	"context"
	"sync"
)

// MemStore is an in-process map. State does not survive process exit —
// acceptable for short sessions and tests.
//
// Locking is per-session-id: keyLock guards only the creation
// of a session's own *sync.Mutex; the returned per-session mutex then
// serializes that session's own Save/Load/Delete calls without blocking
// unrelated sessions.
type MemStore struct {
	keyLock sync.Mutex
	locks   map[string]*sync.Mutex
	data    map[string]State
}

// NewMemStore builds an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		locks: make(map[string]*sync.Mutex),
		data:  make(map[string]State),
	}
}

func (s *MemStore) lockFor(sessionID string) *sync.Mutex {
	s.keyLock.Lock()
	defer s.keyLock.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *MemStore) Save(ctx context.Context, sessionID string, state State) error {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	s.keyLock.Lock()
	s.data[sessionID] = state
	s.keyLock.Unlock()
	return nil
}

func (s *MemStore) Load(ctx context.Context, sessionID string) (State, error) {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	s.keyLock.Lock()
	state, ok := s.data[sessionID]
	s.keyLock.Unlock()
	if !ok {
		return State{}, &NotFoundError{SessionID: sessionID}
	}
	return state, nil
}

func (s *MemStore) Delete(ctx context.Context, sessionID string) error {
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	s.keyLock.Lock()
	delete(s.data, sessionID)
	delete(s.locks, sessionID)
	s.keyLock.Unlock()
	return nil
}
