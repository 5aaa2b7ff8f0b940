package service

import (
	"sort"
	"sync"
)

// itemLocks serializes read-modify-write sequences per item within this process.
// An entry lives only while some caller holds or waits on it.
type itemLocks struct {
	mu    sync.Mutex
	locks map[string]*itemLock
}

type itemLock struct {
	sync.Mutex
	refs int
}

func newItemLocks() *itemLocks {
	return &itemLocks{locks: make(map[string]*itemLock)}
}

func (l *itemLocks) acquire(itemID string) *itemLock {
	l.mu.Lock()
	m, ok := l.locks[itemID]
	if !ok {
		m = &itemLock{}
		l.locks[itemID] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return m
}

func (l *itemLocks) release(itemID string, m *itemLock) {
	m.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		delete(l.locks, itemID)
	}
}

// lock acquires the locks of all ids in sorted order so that overlapping
// batches cannot deadlock, and returns the matching unlock func.
func (l *itemLocks) lock(itemIDs []string) func() {
	ids := uniqueSorted(itemIDs)
	held := make([]*itemLock, 0, len(ids))
	for _, id := range ids {
		held = append(held, l.acquire(id))
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(ids[i], held[i])
		}
	}
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
