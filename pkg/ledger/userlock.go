package ledger

import "sync"

// userLocks serializes ledger units per user inside one process.
// Entries are dropped once no goroutine holds or waits on them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu      sync.Mutex
	holders int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// acquire blocks until the caller owns the user's lock and returns its release func.
func (locks *userLocks) acquire(userID UserID) func() {
	key := userID.String()
	locks.mu.Lock()
	entry, ok := locks.locks[key]
	if !ok {
		entry = &userLock{}
		locks.locks[key] = entry
	}
	entry.holders++
	locks.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		locks.mu.Lock()
		entry.holders--
		if entry.holders == 0 {
			delete(locks.locks, key)
		}
		locks.mu.Unlock()
	}
}

func (locks *userLocks) size() int {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	return len(locks.locks)
}
