// Package seglock provides the process-shared mutex serializing all chain
// mutation. The lock's entire state is one 32-bit word living inside the shared
// segment, so every process that maps the segment reaches the same lock
// instance regardless of where the mapping landed in its address space.
package seglock

import "sync/atomic"

// Lock word states.
const (
	unlocked  uint32 = 0
	locked    uint32 = 1
	contended uint32 = 2
)

// Mutex is a futex-backed mutual exclusion lock over a word of shared memory.
// Acquisition blocks indefinitely: there is no timeout or cancellation, so a
// stuck holder stalls every other process attached to the segment.
type Mutex struct {
	word *uint32
}

// New wraps the provided lock word. The word must be 4-byte aligned and must
// either be zero (fresh segment) or currently managed by another Mutex over
// the same shared memory.
func New(word *uint32) *Mutex {
	return &Mutex{word: word}
}

// Lock acquires the mutex, blocking the calling process until it is available.
func (m *Mutex) Lock() {
	if atomic.CompareAndSwapUint32(m.word, unlocked, locked) {
		return
	}

	// Mark the lock contended so the holder knows to wake us, then sleep on
	// the word until it changes.
	for {
		if atomic.SwapUint32(m.word, contended) == unlocked {
			return
		}
		futexWait(m.word, contended)
	}
}

// Unlock releases the mutex, waking one waiting process if any went to sleep.
func (m *Mutex) Unlock() {
	if atomic.SwapUint32(m.word, unlocked) == contended {
		futexWake(m.word, 1)
	}
}
