package foundation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

// waitSlice bounds each futex sleep so cancellation and removal are noticed
// even if a wakeup is missed.
const waitSlice = 25 * time.Millisecond

// SemaphoreSet is a group of counting semaphores stored in shared memory,
// modelled on a System V semaphore set. The first word is a removal flag;
// after Remove every blocked or future operation fails with ErrRemoved.
type SemaphoreSet struct {
	mem  sab.MemoryProvider
	base uint32
	n    int
}

// NewSemaphoreSet binds n semaphores starting at base inside mem.
func NewSemaphoreSet(mem sab.MemoryProvider, base uint32, n int) (*SemaphoreSet, error) {
	if n <= 0 {
		return nil, fmt.Errorf("semaphore set needs at least one semaphore")
	}
	if uint64(base)+uint64(sab.SemaphoreSetBytes(n)) > uint64(mem.Size()) {
		return nil, fmt.Errorf("semaphore set of %d does not fit at offset %d: %w", n, base, sab.ErrOutOfBounds)
	}
	return &SemaphoreSet{mem: mem, base: base, n: n}, nil
}

// Len returns the number of semaphores in the set.
func (s *SemaphoreSet) Len() int {
	return s.n
}

func (s *SemaphoreSet) offset(i int) uint32 {
	if i < 0 || i >= s.n {
		panic(fmt.Sprintf("semaphore index %d out of range [0,%d)", i, s.n))
	}
	return s.base + sab.SEMAPHORE_HEADER_SIZE + uint32(i)*4
}

// Init sets every semaphore value, like SETALL.
func (s *SemaphoreSet) Init(values ...uint32) error {
	if len(values) != s.n {
		return fmt.Errorf("semaphore init: want %d values, got %d", s.n, len(values))
	}
	if err := s.mem.AtomicStore32(s.base, 0); err != nil {
		return err
	}
	for i, v := range values {
		if err := s.mem.AtomicStore32(s.offset(i), v); err != nil {
			return err
		}
	}
	return nil
}

// Removed reports whether the set has been torn down.
func (s *SemaphoreSet) Removed() bool {
	v, err := s.mem.AtomicLoad32(s.base)
	return err != nil || v != 0
}

// Value returns the current value of semaphore i, like GETVAL.
func (s *SemaphoreSet) Value(i int) (uint32, error) {
	if s.Removed() {
		return 0, ErrRemoved
	}
	return s.mem.AtomicLoad32(s.offset(i))
}

// TryReserve decrements semaphore i if it is positive, without blocking.
func (s *SemaphoreSet) TryReserve(i int) (bool, error) {
	off := s.offset(i)
	for {
		if s.Removed() {
			return false, ErrRemoved
		}
		v, err := s.mem.AtomicLoad32(off)
		if err != nil {
			return false, err
		}
		if v == 0 {
			return false, nil
		}
		ok, err := s.mem.CompareAndSwap32(off, v, v-1)
		if err != nil {
			return false, err
		}
		if ok {
			if v == 1 {
				_ = s.mem.Wake32(off, math.MaxInt32)
			}
			return true, nil
		}
	}
}

// Reserve decrements semaphore i, blocking while it is zero.
func (s *SemaphoreSet) Reserve(ctx context.Context, i int) error {
	off := s.offset(i)
	for {
		ok, err := s.TryReserve(i)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.mem.Wait32(off, 0, waitSlice); err != nil {
			return err
		}
	}
}

// Release increments semaphore i and wakes its waiters.
func (s *SemaphoreSet) Release(i int) error {
	if s.Removed() {
		return ErrRemoved
	}
	off := s.offset(i)
	if _, err := s.mem.AtomicAdd32(off, 1); err != nil {
		return err
	}
	return s.mem.Wake32(off, math.MaxInt32)
}

// WaitZero blocks until semaphore i reaches zero.
func (s *SemaphoreSet) WaitZero(ctx context.Context, i int) error {
	off := s.offset(i)
	for {
		if s.Removed() {
			return ErrRemoved
		}
		v, err := s.mem.AtomicLoad32(off)
		if err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.mem.Wait32(off, v, waitSlice); err != nil {
			return err
		}
	}
}

// Remove marks the set removed and wakes everything blocked on it.
// Removing twice is a no-op.
func (s *SemaphoreSet) Remove() error {
	if s.mem.ReadOnly() {
		return sab.ErrReadOnly
	}
	if _, err := s.mem.CompareAndSwap32(s.base, 0, 1); err != nil {
		return err
	}
	_ = s.mem.Wake32(s.base, math.MaxInt32)
	for i := 0; i < s.n; i++ {
		_ = s.mem.Wake32(s.offset(i), math.MaxInt32)
	}
	return nil
}

// decrement lowers semaphore i by one without waiting. It is only used for
// the reader count, which is protected by the mutex semaphore.
func (s *SemaphoreSet) decrement(i int) (uint32, error) {
	return s.mem.AtomicAdd32(s.offset(i), ^uint32(0))
}

func (s *SemaphoreSet) increment(i int) (uint32, error) {
	return s.mem.AtomicAdd32(s.offset(i), 1)
}
