//go:build linux

package seglock

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operation numbers. x/sys/unix exports the syscall number but not the
// op codes. FUTEX_PRIVATE_FLAG is deliberately absent: the word lives in
// memory shared between processes.
const (
	futexOpWait = 0
	futexOpWake = 1
)

// futexWait sleeps until the word no longer holds val, or until a spurious
// wakeup. The caller re-checks the word in a loop either way, so EAGAIN (the
// word changed before we slept) and EINTR are not errors.
func futexWait(word *uint32, val uint32) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		futexOpWait,
		uintptr(val),
		0, 0, 0,
	)
}

// futexWake wakes up to count processes sleeping on the word.
func futexWake(word *uint32, count int) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		futexOpWake,
		uintptr(count),
		0, 0, 0,
	)
}
