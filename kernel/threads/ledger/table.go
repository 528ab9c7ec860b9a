package ledger

import (
	"fmt"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

// table is a fixed array of actor records whose first word is the owning
// process id. A zero pid marks a free slot.
type table struct {
	name       string
	mem        sab.MemoryProvider
	lock       foundation.RWLock
	capacity   int
	recordSize uint32
}

func newTable(name string, mem sab.MemoryProvider, lock foundation.RWLock, capacity int, recordSize uint32) (table, error) {
	if uint64(mem.Size()) < uint64(capacity)*uint64(recordSize) {
		return table{}, fmt.Errorf("%s table: region of %d bytes cannot hold %d records: %w",
			name, mem.Size(), capacity, sab.ErrOutOfBounds)
	}
	return table{name: name, mem: mem, lock: lock, capacity: capacity, recordSize: recordSize}, nil
}

func (t *table) offset(slot int) uint32 {
	return uint32(slot) * t.recordSize
}

func (t *table) checkSlot(slot int) error {
	if slot < 0 || slot >= t.capacity {
		return fmt.Errorf("%s table: slot %d out of range [0,%d)", t.name, slot, t.capacity)
	}
	return nil
}

func (t *table) pidAt(slot int) (int32, error) {
	v, err := t.mem.AtomicLoad32(t.offset(slot))
	return int32(v), err
}

func (t *table) locateLocked(pid int32) (int, error) {
	for slot := 0; slot < t.capacity; slot++ {
		p, err := t.pidAt(slot)
		if err != nil {
			return -1, err
		}
		if p == pid {
			return slot, nil
		}
	}
	return -1, fmt.Errorf("%s table: pid %d: %w", t.name, pid, ErrNotRegistered)
}

// claim puts pid into the first free slot and lets init fill the rest of
// the record. Registering the same pid twice returns its existing slot.
func (t *table) claim(pid int32, init func(buf []byte)) (int, error) {
	if pid <= 0 {
		return -1, fmt.Errorf("%s table: invalid pid %d", t.name, pid)
	}
	slot := -1
	err := foundation.WithWrite(t.lock, func() error {
		if s, err := t.locateLocked(pid); err == nil {
			slot = s
			return nil
		}
		for s := 0; s < t.capacity; s++ {
			p, err := t.pidAt(s)
			if err != nil {
				return err
			}
			if p != 0 {
				continue
			}
			buf := make([]byte, t.recordSize)
			init(buf)
			if err := t.mem.WriteAt(t.offset(s), buf); err != nil {
				return err
			}
			if err := t.mem.AtomicStore32(t.offset(s), uint32(pid)); err != nil {
				return err
			}
			slot = s
			return nil
		}
		return fmt.Errorf("%s table: %w", t.name, ErrTableFull)
	})
	return slot, err
}

// Locate finds the slot registered by pid.
func (t *table) Locate(pid int32) (int, error) {
	slot := -1
	err := foundation.WithRead(t.lock, func() error {
		var err error
		slot, err = t.locateLocked(pid)
		return err
	})
	return slot, err
}

// Capacity returns the number of slots.
func (t *table) Capacity() int {
	return t.capacity
}

func (t *table) read(slot int, buf []byte) error {
	if err := t.checkSlot(slot); err != nil {
		return err
	}
	return foundation.WithRead(t.lock, func() error {
		return t.mem.ReadAt(t.offset(slot), buf)
	})
}

func (t *table) readAll() ([]byte, error) {
	buf := make([]byte, uint32(t.capacity)*t.recordSize)
	err := foundation.WithRead(t.lock, func() error {
		return t.mem.ReadAt(0, buf)
	})
	return buf, err
}

func (t *table) update(slot int, fn func(buf []byte)) error {
	if err := t.checkSlot(slot); err != nil {
		return err
	}
	return foundation.WithWrite(t.lock, func() error {
		buf := make([]byte, t.recordSize)
		if err := t.mem.ReadAt(t.offset(slot), buf); err != nil {
			return err
		}
		fn(buf)
		return t.mem.WriteAt(t.offset(slot), buf)
	})
}
