package foundation

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

// Indices of the three semaphores backing a ReaderWriterLock.
const (
	SemWrite     = 0
	SemMutex     = 1
	SemReadCount = 2

	RWLockSemaphores = sab.RWLOCK_SEMAPHORES
)

// RWLock guards a shared region. Begin/End pairs must be balanced by the
// caller; every method fails with ErrRemoved once the lock is torn down.
type RWLock interface {
	BeginRead() error
	EndRead() error
	BeginWrite() error
	EndWrite() error
}

// ReaderWriterLock is the readers-preference protocol over a three
// semaphore set [write, mutex, readcount]. The first reader in takes the
// write semaphore on behalf of all readers and the last reader out
// returns it, so a steady stream of readers can starve writers.
//
// The readcount semaphore is only used as a shared counter and is always
// modified while holding mutex.
type ReaderWriterLock struct {
	sems *SemaphoreSet
	ctx  context.Context
}

// NewReaderWriterLock binds a lock to an existing three semaphore set.
func NewReaderWriterLock(sems *SemaphoreSet) *ReaderWriterLock {
	if sems.Len() != RWLockSemaphores {
		panic("reader/writer lock needs exactly three semaphores")
	}
	return &ReaderWriterLock{sems: sems, ctx: context.Background()}
}

// InitReaderWriterLock sets the unlocked state: write=1, mutex=1, readcount=0.
func InitReaderWriterLock(sems *SemaphoreSet) (*ReaderWriterLock, error) {
	l := NewReaderWriterLock(sems)
	if err := sems.Init(1, 1, 0); err != nil {
		return nil, err
	}
	return l, nil
}

// Semaphores exposes the underlying set, mainly for teardown.
func (l *ReaderWriterLock) Semaphores() *SemaphoreSet {
	return l.sems
}

// Reset forces the unlocked state. Only the owner of the run may call it,
// and only once every other process that could hold the lock is dead.
func (l *ReaderWriterLock) Reset() error {
	if l.sems.Removed() {
		return ErrRemoved
	}
	return l.sems.Init(1, 1, 0)
}

func (l *ReaderWriterLock) BeginRead() error {
	if err := l.sems.Reserve(l.ctx, SemMutex); err != nil {
		return err
	}
	rc, err := l.sems.increment(SemReadCount)
	if err != nil {
		_ = l.sems.Release(SemMutex)
		return err
	}
	if rc == 1 {
		if err := l.sems.Reserve(l.ctx, SemWrite); err != nil {
			_, _ = l.sems.decrement(SemReadCount)
			_ = l.sems.Release(SemMutex)
			return err
		}
	}
	return l.sems.Release(SemMutex)
}

func (l *ReaderWriterLock) EndRead() error {
	if err := l.sems.Reserve(l.ctx, SemMutex); err != nil {
		return err
	}
	rc, err := l.sems.decrement(SemReadCount)
	if err != nil {
		_ = l.sems.Release(SemMutex)
		return err
	}
	var result *multierror.Error
	if rc == 0 {
		result = multierror.Append(result, l.sems.Release(SemWrite))
	}
	result = multierror.Append(result, l.sems.Release(SemMutex))
	return result.ErrorOrNil()
}

func (l *ReaderWriterLock) BeginWrite() error {
	return l.sems.Reserve(l.ctx, SemWrite)
}

func (l *ReaderWriterLock) EndWrite() error {
	return l.sems.Release(SemWrite)
}

// WithRead runs fn inside a read section.
func WithRead(l RWLock, fn func() error) error {
	if err := l.BeginRead(); err != nil {
		return err
	}
	ferr := fn()
	if err := l.EndRead(); err != nil && ferr == nil {
		return err
	}
	return ferr
}

// WithWrite runs fn inside a write section.
func WithWrite(l RWLock, fn func() error) error {
	if err := l.BeginWrite(); err != nil {
		return err
	}
	ferr := fn()
	if err := l.EndWrite(); err != nil && ferr == nil {
		return err
	}
	return ferr
}
