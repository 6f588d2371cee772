package token

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextStartsAboveSeed(t *testing.T) {
	s := NewSource(100)
	assert.Equal(t, uint32(101), s.Next())
	assert.Equal(t, uint32(102), s.Next())
}

func TestNextIsUniqueUnderConcurrency(t *testing.T) {
	s := NewSource(0)
	seen := make(chan uint32, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- s.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint32]struct{}, 1000)
	for v := range seen {
		unique[v] = struct{}{}
	}
	assert.Len(t, unique, 1000)
}
