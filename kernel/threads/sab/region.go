package sab

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// region implements the word and byte operations shared by every provider
// on top of a plain byte slice.
type region struct {
	data     []byte
	readOnly bool
}

func (r *region) Size() uint32 {
	return uint32(len(r.data))
}

func (r *region) ReadOnly() bool {
	return r.readOnly
}

func (r *region) ReadAt(offset uint32, dest []byte) error {
	if r.data == nil {
		return ErrDetached
	}
	if uint64(offset)+uint64(len(dest)) > uint64(len(r.data)) {
		return ErrOutOfBounds
	}
	copy(dest, r.data[offset:offset+uint32(len(dest))])
	return nil
}

func (r *region) WriteAt(offset uint32, src []byte) error {
	if r.data == nil {
		return ErrDetached
	}
	if r.readOnly {
		return ErrReadOnly
	}
	if uint64(offset)+uint64(len(src)) > uint64(len(r.data)) {
		return ErrOutOfBounds
	}
	copy(r.data[offset:offset+uint32(len(src))], src)
	return nil
}

func (r *region) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := r.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(ptr), nil
}

func (r *region) AtomicStore32(offset uint32, val uint32) error {
	ptr, err := r.writablePtrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(ptr, val)
	return nil
}

func (r *region) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	ptr, err := r.writablePtrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(ptr, delta), nil
}

func (r *region) CompareAndSwap32(offset uint32, old, new uint32) (bool, error) {
	ptr, err := r.writablePtrAt(offset)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32(ptr, old, new), nil
}

func (r *region) Wait32(offset uint32, expected uint32, timeout time.Duration) error {
	ptr, err := r.ptrAt(offset)
	if err != nil {
		return err
	}
	return futexWait(ptr, expected, timeout)
}

func (r *region) Wake32(offset uint32, n int) error {
	ptr, err := r.ptrAt(offset)
	if err != nil {
		return err
	}
	return futexWake(ptr, n)
}

func (r *region) writablePtrAt(offset uint32) (*uint32, error) {
	if r.readOnly {
		return nil, ErrReadOnly
	}
	return r.ptrAt(offset)
}

func (r *region) ptrAt(offset uint32) (*uint32, error) {
	if r.data == nil {
		return nil, ErrDetached
	}
	if uint64(offset)+4 > uint64(len(r.data)) {
		return nil, ErrOutOfBounds
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return (*uint32)(unsafe.Pointer(&r.data[offset])), nil
}
