//go:build !linux

package seglock

import (
	"sync/atomic"
	"time"
)

// Without a futex the waiter polls the word with a short sleep. Correctness
// comes from the atomic loop in Lock; this only trades latency for CPU.
func futexWait(word *uint32, val uint32) {
	if atomic.LoadUint32(word) != val {
		return
	}
	time.Sleep(50 * time.Microsecond)
}

func futexWake(word *uint32, count int) {
}
