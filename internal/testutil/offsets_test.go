package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOffsetClockStartsAtOne(t *testing.T) {
	c := NewOffsetClock()
	assert.Equal(t, int64(0), c.Current("orders"))
	assert.Equal(t, int64(1), c.Next("orders"))
	assert.Equal(t, int64(2), c.Next("orders"))
	assert.Equal(t, int64(1), c.Next("payments"))
}

func TestOffsetClockObserveRaisesFloor(t *testing.T) {
	c := NewOffsetClock()
	c.Observe("orders", 10)
	assert.Equal(t, int64(11), c.Next("orders"))

	c.Observe("orders", 3)
	assert.Equal(t, int64(11), c.Current("orders"))
}

func TestOffsetClockReset(t *testing.T) {
	c := NewOffsetClock()
	c.Next("orders")
	c.Next("orders")
	c.Reset()
	assert.Equal(t, int64(1), c.Next("orders"))
}

func TestOffsetClockConcurrent(t *testing.T) {
	c := NewOffsetClock()
	const goroutines, perGoroutine = 10, 100

	var wg sync.WaitGroup
	seen := make(chan int64, goroutines*perGoroutine)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				seen <- c.Next("orders")
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	for off := range seen {
		assert.False(t, unique[off], "offset %d handed out twice", off)
		unique[off] = true
	}
	assert.Len(t, unique, goroutines*perGoroutine)
	assert.Equal(t, int64(goroutines*perGoroutine), c.Current("orders"))
}
