package execution

import "sync"

// symbolLocks is a keyed lock registry, created on demand. Openers
// try-lock so concurrent scans back off instead of convoying.
type symbolLocks struct {
	mu    sync.Mutex
	locks map[string]*symbolLock
}

type symbolLock struct {
	held bool
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{locks: make(map[string]*symbolLock)}
}

// TryAcquire returns true when the symbol lock was free and is now held.
func (s *symbolLocks) TryAcquire(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[symbol]
	if !ok {
		l = &symbolLock{}
		s.locks[symbol] = l
	}
	if l.held {
		return false
	}
	l.held = true
	return true
}

// Release frees the symbol lock.
func (s *symbolLocks) Release(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[symbol]; ok {
		l.held = false
	}
}
