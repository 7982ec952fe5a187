package engine

import (
	"sync"
)

// KeyedLock is the per-flow exclusive checkpoint lock. TryAcquire
// never blocks; a caller losing the race gets false and must treat
// it as a conflict, not wait.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{
		locks: make(map[string]*sync.Mutex),
	}
}

func (kl *KeyedLock) TryAcquire(key string) bool {
	kl.mu.Lock()
	lock, ok := kl.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		kl.locks[key] = lock
	}
	kl.mu.Unlock()
	return lock.TryLock()
}

func (kl *KeyedLock) Release(key string) {
	kl.mu.Lock()
	lock, ok := kl.locks[key]
	kl.mu.Unlock()
	if ok {
		lock.Unlock()
	}
}

// Forget drops the lock entry for a deleted flow. Must not be called
// while the lock is held.
func (kl *KeyedLock) Forget(key string) {
	kl.mu.Lock()
	delete(kl.locks, key)
	kl.mu.Unlock()
}
