package sab

import (
	"errors"
	"time"
)

// MemoryProvider abstracts access to one named shared region.
// Implementations may be backed by an mmap'd file or an in-memory buffer.
type MemoryProvider interface {
	Size() uint32
	ReadOnly() bool
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	CompareAndSwap32(offset uint32, old, new uint32) (bool, error)
	// Wait32 sleeps while the word at offset still holds expected, for at
	// most timeout. Spurious wakeups are allowed; callers re-check.
	Wait32(offset uint32, expected uint32, timeout time.Duration) error
	// Wake32 wakes up to n waiters blocked on the word at offset.
	Wake32(offset uint32, n int) error
	Close() error
}

var (
	ErrOutOfBounds = errors.New("offset out of bounds")
	ErrMisaligned  = errors.New("offset is not 4-byte aligned")
	ErrReadOnly    = errors.New("region is mapped read-only")
	ErrDetached    = errors.New("region is detached")
	ErrExists      = errors.New("region already exists")
	ErrNotFound    = errors.New("region not found")
)
