package seglock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/shmwrapper/segalloc/internal/seglock"
	"github.com/stretchr/testify/require"
)

func TestMutexProvidesExclusion(t *testing.T) {
	var word uint32
	m := seglock.New(&word)

	const goroutines = 8
	const iterations = 2000

	var counter int
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				m.Lock()
				counter++ // deliberately unsynchronized; the lock is the synchronization
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, goroutines*iterations, counter)
}

func TestTwoMutexesOverOneWordShareTheLock(t *testing.T) {
	// Two Mutex values wrapping the same word model two processes attaching
	// the same segment.
	var word uint32
	m1 := seglock.New(&word)
	m2 := seglock.New(&word)

	m1.Lock()

	acquired := make(chan struct{})
	go func() {
		m2.Lock()
		close(acquired)
		m2.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second holder acquired the lock while the first still held it")
	default:
	}

	m1.Unlock()
	<-acquired
}
