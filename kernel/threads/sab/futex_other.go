//go:build !linux

package sab

import (
	"sync/atomic"
	"time"
)

const pollInterval = 200 * time.Microsecond

// futexWait falls back to short sleeps where no futex syscall exists.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	d := pollInterval
	if timeout > 0 && timeout < d {
		d = timeout
	}
	time.Sleep(d)
	return nil
}

func futexWake(addr *uint32, n int) error {
	return nil
}
