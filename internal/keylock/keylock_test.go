package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocker_SerializesSameKey(t *testing.T) {
	l := New()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(7)
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, l.Len())
}

func TestLocker_LockManyOverlapping(t *testing.T) {
	l := New()
	shared := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := l.LockMany(1, 2)
			defer unlock()
			shared++
		}()
		go func() {
			defer wg.Done()
			unlock := l.LockMany(2, 1, 2)
			defer unlock()
			shared++
		}()
	}
	wg.Wait()

	assert.Equal(t, 40, shared)
	assert.Equal(t, 0, l.Len())
}
