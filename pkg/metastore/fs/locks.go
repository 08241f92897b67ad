package fs

import "sync"

// lockTable owns one reader/writer lock per user id, created lazily.
//
// All operations touching a user, its workspace or its projects take that
// single lock; there is no finer-grained workspace or project lock, which is
// safe because a user owns at most one workspace under the current schema.
// Lock creation is its own short critical section so first accesses cannot
// race.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.RWMutex)}
}

func (t *lockTable) get(userID string) *sync.RWMutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[userID]
	if !ok {
		l = &sync.RWMutex{}
		t.locks[userID] = l
	}
	return l
}

// pair returns the locks for two user ids in canonical acquisition order.
// Cross-user operations (user renames) must lock through this to avoid
// deadlock between concurrent renames. The second lock is nil when both ids
// resolve to the same lock.
func (t *lockTable) pair(a, b string) (first, second *sync.RWMutex) {
	if b < a {
		a, b = b, a
	}
	first = t.get(a)
	if a == b {
		return first, nil
	}
	return first, t.get(b)
}
