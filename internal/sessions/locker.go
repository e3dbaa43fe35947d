package sessions

import "sync"

// keyedLock is a refcounted mutex entry; entries are evicted once the last
// holder releases so idle sessions do not pin memory.
type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// KeyedLocker provides one mutex per string key. The zero value is not
// usable; create with NewKeyedLocker.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

// NewKeyedLocker creates an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

// Lock acquires the mutex for key and returns its release func.
func (l *KeyedLocker) Lock(key string) func() {
	l.mu.Lock()
	lock := l.locks[key]
	if lock == nil {
		lock = &keyedLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Drop removes the lock entry for key if it is idle. Used when a session is
// deleted so a stale entry does not linger.
func (l *KeyedLocker) Drop(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lock, ok := l.locks[key]; ok && lock.refs == 0 {
		delete(l.locks, key)
	}
}
