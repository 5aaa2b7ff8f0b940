package service

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func tracked(l *itemLocks) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func TestItemLocks_ReleasedEntriesAreDropped(t *testing.T) {
	l := newItemLocks()

	unlock := l.lock([]string{"b", "a", "b"})
	assert.Equal(t, 2, tracked(l))
	unlock()
	assert.Zero(t, tracked(l))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// neighbouring goroutines overlap on one id
			unlock := l.lock([]string{fmt.Sprintf("item-%d", i), fmt.Sprintf("item-%d", i+1)})
			unlock()
		}(i)
	}
	wg.Wait()
	assert.Zero(t, tracked(l))
}

func TestItemLocks_SerializesSameItem(t *testing.T) {
	l := newItemLocks()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock([]string{"item-1"})
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Zero(t, tracked(l))
}
