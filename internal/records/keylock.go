package records

import (
	"sort"
	"sync"
)

// keyLocks hands out one mutex per key, dropping entries once nobody holds
// or waits on them.
type keyLocks struct {
	mu    sync.Mutex
	items map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{items: make(map[string]*keyLock)}
}

func (k *keyLocks) lock(key string) {
	k.mu.Lock()
	l, ok := k.items[key]
	if !ok {
		l = &keyLock{}
		k.items[key] = l
	}
	l.refs++
	k.mu.Unlock()
	l.mu.Lock()
}

func (k *keyLocks) unlock(key string) {
	k.mu.Lock()
	l := k.items[key]
	l.refs--
	if l.refs == 0 {
		delete(k.items, key)
	}
	k.mu.Unlock()
	l.mu.Unlock()
}

// lockAll acquires every key in sorted order so two overlapping batches
// cannot deadlock. The returned func releases them.
func (k *keyLocks) lockAll(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, key := range sorted {
		k.lock(key)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			k.unlock(sorted[i])
		}
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.items)
}
