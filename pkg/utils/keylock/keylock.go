// Package keylock provides mutual exclusion per key.
//
// Locks on different keys never block each other.
package keylock

import "sync"

type KeyLock[K comparable] struct {
	mux   sync.Mutex
	locks map[K]*entry
}

type entry struct {
	mux sync.Mutex
	ref int
}

func New[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{locks: map[K]*entry{}}
}

// Lock acquires the lock for the key, and returns a function to release it.
func (kl *KeyLock[K]) Lock(key K) (unlock func()) {
	kl.mux.Lock()
	e, ok := kl.locks[key]
	if !ok {
		e = &entry{}
		kl.locks[key] = e
	}
	e.ref += 1
	kl.mux.Unlock()

	e.mux.Lock()

	once := sync.Once{}
	return func() {
		once.Do(func() {
			e.mux.Unlock()

			kl.mux.Lock()
			defer kl.mux.Unlock()
			e.ref -= 1
			if e.ref == 0 {
				delete(kl.locks, key)
			}
		})
	}
}

// Len returns count of keys locked or waited for.
func (kl *KeyLock[K]) Len() int {
	kl.mux.Lock()
	defer kl.mux.Unlock()
	return len(kl.locks)
}
