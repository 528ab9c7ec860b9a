package ledger

import (
	"encoding/binary"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

// UserRecord is the public state of one user.
type UserRecord struct {
	Slot   int
	Pid    int32
	Alive  bool
	Budget int64
	Failed uint32
}

func decodeUser(slot int, buf []byte) UserRecord {
	return UserRecord{
		Slot:   slot,
		Pid:    int32(binary.LittleEndian.Uint32(buf[0:])),
		Alive:  binary.LittleEndian.Uint32(buf[4:]) != 0,
		Budget: int64(binary.LittleEndian.Uint64(buf[8:])),
		Failed: binary.LittleEndian.Uint32(buf[16:]),
	}
}

func (r UserRecord) put(buf []byte) {
	var alive uint32
	if r.Alive {
		alive = 1
	}
	binary.LittleEndian.PutUint32(buf[0:], uint32(r.Pid))
	binary.LittleEndian.PutUint32(buf[4:], alive)
	binary.LittleEndian.PutUint64(buf[8:], uint64(r.Budget))
	binary.LittleEndian.PutUint32(buf[16:], r.Failed)
}

// UserTable is the shared array of user records.
type UserTable struct {
	table
}

func NewUserTable(mem sab.MemoryProvider, lock foundation.RWLock, capacity int) (*UserTable, error) {
	t, err := newTable("users", mem, lock, capacity, sab.USER_RECORD_SIZE)
	if err != nil {
		return nil, err
	}
	return &UserTable{table: t}, nil
}

// Register claims a free slot for pid, marks it alive with the starting
// budget and returns the slot.
func (t *UserTable) Register(pid int32, budget int64) (int, error) {
	return t.claim(pid, func(buf []byte) {
		UserRecord{Pid: pid, Alive: true, Budget: budget}.put(buf)
	})
}

// Get reads one record.
func (t *UserTable) Get(slot int) (UserRecord, error) {
	buf := make([]byte, t.recordSize)
	if err := t.read(slot, buf); err != nil {
		return UserRecord{}, err
	}
	return decodeUser(slot, buf), nil
}

// Snapshot returns every registered record in slot order.
func (t *UserTable) Snapshot() ([]UserRecord, error) {
	buf, err := t.readAll()
	if err != nil {
		return nil, err
	}
	var out []UserRecord
	for slot := 0; slot < t.capacity; slot++ {
		r := decodeUser(slot, buf[t.offset(slot):])
		if r.Pid != 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

// Update rewrites one record under the table write lock. The pid is not
// modifiable.
func (t *UserTable) Update(slot int, fn func(*UserRecord)) error {
	return t.update(slot, func(buf []byte) {
		r := decodeUser(slot, buf)
		pid := r.Pid
		fn(&r)
		r.Pid = pid
		r.put(buf)
	})
}

// Publish stores the budget and failure count of slot.
func (t *UserTable) Publish(slot int, budget int64, failed uint32) error {
	return t.Update(slot, func(r *UserRecord) {
		r.Budget = budget
		r.Failed = failed
	})
}

// SetAlive flips the liveness flag of slot.
func (t *UserTable) SetAlive(slot int, alive bool) error {
	return t.Update(slot, func(r *UserRecord) {
		r.Alive = alive
	})
}

// NodeRecord is the public state of one node.
type NodeRecord struct {
	Slot        int
	Pid         int32
	Blocks      uint32
	Reward      int64
	Unprocessed uint32
}

func decodeNode(slot int, buf []byte) NodeRecord {
	return NodeRecord{
		Slot:        slot,
		Pid:         int32(binary.LittleEndian.Uint32(buf[0:])),
		Blocks:      binary.LittleEndian.Uint32(buf[4:]),
		Reward:      int64(binary.LittleEndian.Uint64(buf[8:])),
		Unprocessed: binary.LittleEndian.Uint32(buf[16:]),
	}
}

func (r NodeRecord) put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(r.Pid))
	binary.LittleEndian.PutUint32(buf[4:], r.Blocks)
	binary.LittleEndian.PutUint64(buf[8:], uint64(r.Reward))
	binary.LittleEndian.PutUint32(buf[16:], r.Unprocessed)
}

// NodeTable is the shared array of node records.
type NodeTable struct {
	table
}

func NewNodeTable(mem sab.MemoryProvider, lock foundation.RWLock, capacity int) (*NodeTable, error) {
	t, err := newTable("nodes", mem, lock, capacity, sab.NODE_RECORD_SIZE)
	if err != nil {
		return nil, err
	}
	return &NodeTable{table: t}, nil
}

// Register claims a free slot for pid and returns it. The slot number
// selects the node's mailbox.
func (t *NodeTable) Register(pid int32) (int, error) {
	return t.claim(pid, func(buf []byte) {
		NodeRecord{Pid: pid}.put(buf)
	})
}

func (t *NodeTable) Get(slot int) (NodeRecord, error) {
	buf := make([]byte, t.recordSize)
	if err := t.read(slot, buf); err != nil {
		return NodeRecord{}, err
	}
	return decodeNode(slot, buf), nil
}

func (t *NodeTable) Snapshot() ([]NodeRecord, error) {
	buf, err := t.readAll()
	if err != nil {
		return nil, err
	}
	var out []NodeRecord
	for slot := 0; slot < t.capacity; slot++ {
		r := decodeNode(slot, buf[t.offset(slot):])
		if r.Pid != 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *NodeTable) Update(slot int, fn func(*NodeRecord)) error {
	return t.update(slot, func(buf []byte) {
		r := decodeNode(slot, buf)
		pid := r.Pid
		fn(&r)
		r.Pid = pid
		r.put(buf)
	})
}

// RecordBlock credits one committed block and its reward to slot.
func (t *NodeTable) RecordBlock(slot int, reward int64) error {
	return t.Update(slot, func(r *NodeRecord) {
		r.Blocks++
		r.Reward += reward
	})
}

// SetUnprocessed stores the number of transactions left behind at exit.
func (t *NodeTable) SetUnprocessed(slot int, n uint32) error {
	return t.Update(slot, func(r *NodeRecord) {
		r.Unprocessed = n
	})
}
