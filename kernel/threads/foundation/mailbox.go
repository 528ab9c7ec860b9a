package foundation

import (
	"context"
	"fmt"

	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

// Mailbox layout constants
const (
	MAILBOX_MAGIC = 0x4D41494C // "MAIL"

	// 0 semaphore set: removed, mutex, items
	mailboxSemMutex = 0
	mailboxSemItems = 1

	OFFSET_MAILBOX_CAPACITY = 12
	OFFSET_MAILBOX_PAYLOAD  = 16
	OFFSET_MAILBOX_HEAD     = 20
	OFFSET_MAILBOX_TAIL     = 24
	OFFSET_MAILBOX_COUNT    = 28
	OFFSET_MAILBOX_SEQUENCE = 32
	OFFSET_MAILBOX_DROPPED  = 36
	OFFSET_MAILBOX_ENQUEUED = 40
	OFFSET_MAILBOX_DEQUEUED = 44
	OFFSET_MAILBOX_MAXDEPTH = 48
	MAILBOX_HEADER_SIZE     = 56

	// 0 magic uint32, 4 sequence uint32, 8 payload
	MAILBOX_SLOT_HEADER_SIZE = 8
)

// QueueStats tracks mailbox traffic. The counters live in shared memory so
// the supervisor can read them from any process.
type QueueStats struct {
	Enqueued   uint32
	Dequeued   uint32
	Dropped    uint32
	QueueDepth uint32
	MaxDepth   uint32
}

// Mailbox is a bounded FIFO of fixed-size messages in shared memory. Many
// processes may send; one process receives. Sending never blocks on a full
// mailbox, receiving blocks until a message arrives or the mailbox is
// removed.
type Mailbox struct {
	mem         sab.MemoryProvider
	sems        *SemaphoreSet
	capacity    uint32
	payloadSize uint32
	slotSize    uint32
}

func slotSize(payloadSize uint32) uint32 {
	return (MAILBOX_SLOT_HEADER_SIZE + payloadSize + 7) &^ 7
}

// MailboxBytes is the region size needed for capacity messages.
func MailboxBytes(capacity, payloadSize uint32) uint32 {
	return MAILBOX_HEADER_SIZE + capacity*slotSize(payloadSize)
}

// InitMailbox formats mem as an empty mailbox.
func InitMailbox(mem sab.MemoryProvider, capacity, payloadSize uint32) (*Mailbox, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("mailbox capacity must be positive")
	}
	if mem.Size() < MailboxBytes(capacity, payloadSize) {
		return nil, fmt.Errorf("mailbox of %d needs %d bytes, region has %d: %w",
			capacity, MailboxBytes(capacity, payloadSize), mem.Size(), sab.ErrOutOfBounds)
	}
	sems, err := NewSemaphoreSet(mem, 0, 2)
	if err != nil {
		return nil, err
	}
	if err := sems.Init(1, 0); err != nil {
		return nil, err
	}
	for off := uint32(OFFSET_MAILBOX_HEAD); off < MAILBOX_HEADER_SIZE; off += 4 {
		if err := mem.AtomicStore32(off, 0); err != nil {
			return nil, err
		}
	}
	if err := mem.AtomicStore32(OFFSET_MAILBOX_PAYLOAD, payloadSize); err != nil {
		return nil, err
	}
	if err := mem.AtomicStore32(OFFSET_MAILBOX_CAPACITY, capacity); err != nil {
		return nil, err
	}
	return newMailbox(mem, sems, capacity, payloadSize), nil
}

// AttachMailbox binds to a mailbox formatted by InitMailbox.
func AttachMailbox(mem sab.MemoryProvider, payloadSize uint32) (*Mailbox, error) {
	capacity, err := mem.AtomicLoad32(OFFSET_MAILBOX_CAPACITY)
	if err != nil {
		return nil, err
	}
	stored, err := mem.AtomicLoad32(OFFSET_MAILBOX_PAYLOAD)
	if err != nil {
		return nil, err
	}
	if capacity == 0 {
		return nil, fmt.Errorf("mailbox not initialised")
	}
	if stored != payloadSize {
		return nil, fmt.Errorf("%w: mailbox carries %d bytes, caller expects %d", ErrPayloadSize, stored, payloadSize)
	}
	if mem.Size() < MailboxBytes(capacity, payloadSize) {
		return nil, fmt.Errorf("mailbox region truncated: %w", sab.ErrOutOfBounds)
	}
	sems, err := NewSemaphoreSet(mem, 0, 2)
	if err != nil {
		return nil, err
	}
	return newMailbox(mem, sems, capacity, payloadSize), nil
}

func newMailbox(mem sab.MemoryProvider, sems *SemaphoreSet, capacity, payloadSize uint32) *Mailbox {
	return &Mailbox{
		mem:         mem,
		sems:        sems,
		capacity:    capacity,
		payloadSize: payloadSize,
		slotSize:    slotSize(payloadSize),
	}
}

// Capacity returns the maximum number of queued messages.
func (mb *Mailbox) Capacity() uint32 {
	return mb.capacity
}

// PayloadSize returns the fixed message size.
func (mb *Mailbox) PayloadSize() uint32 {
	return mb.payloadSize
}

func (mb *Mailbox) slotOffset(index uint32) uint32 {
	return MAILBOX_HEADER_SIZE + index*mb.slotSize
}

func (mb *Mailbox) lock() error {
	return mb.sems.Reserve(context.Background(), mailboxSemMutex)
}

func (mb *Mailbox) unlock() {
	_ = mb.sems.Release(mailboxSemMutex)
}

// TrySend enqueues payload, failing with ErrMailboxFull when the mailbox
// already holds Capacity messages.
func (mb *Mailbox) TrySend(payload []byte) error {
	if uint32(len(payload)) != mb.payloadSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrPayloadSize, len(payload), mb.payloadSize)
	}
	if err := mb.lock(); err != nil {
		return err
	}
	count, _ := mb.mem.AtomicLoad32(OFFSET_MAILBOX_COUNT)
	if count >= mb.capacity {
		_, _ = mb.mem.AtomicAdd32(OFFSET_MAILBOX_DROPPED, 1)
		mb.unlock()
		return ErrMailboxFull
	}

	tail, _ := mb.mem.AtomicLoad32(OFFSET_MAILBOX_TAIL)
	seq, _ := mb.mem.AtomicAdd32(OFFSET_MAILBOX_SEQUENCE, 1)
	off := mb.slotOffset(tail)
	if err := mb.mem.WriteAt(off+MAILBOX_SLOT_HEADER_SIZE, payload); err != nil {
		mb.unlock()
		return err
	}
	_ = mb.mem.AtomicStore32(off+4, seq)
	_ = mb.mem.AtomicStore32(off, MAILBOX_MAGIC)
	_ = mb.mem.AtomicStore32(OFFSET_MAILBOX_TAIL, (tail+1)%mb.capacity)

	depth, _ := mb.mem.AtomicAdd32(OFFSET_MAILBOX_COUNT, 1)
	_, _ = mb.mem.AtomicAdd32(OFFSET_MAILBOX_ENQUEUED, 1)
	if maxDepth, _ := mb.mem.AtomicLoad32(OFFSET_MAILBOX_MAXDEPTH); depth > maxDepth {
		_ = mb.mem.AtomicStore32(OFFSET_MAILBOX_MAXDEPTH, depth)
	}
	mb.unlock()

	return mb.sems.Release(mailboxSemItems)
}

// Receive dequeues the oldest message, blocking until one is available.
func (mb *Mailbox) Receive(ctx context.Context) ([]byte, error) {
	if err := mb.sems.Reserve(ctx, mailboxSemItems); err != nil {
		return nil, err
	}
	return mb.pop()
}

// TryReceive dequeues the oldest message or fails with ErrMailboxEmpty.
func (mb *Mailbox) TryReceive() ([]byte, error) {
	ok, err := mb.sems.TryReserve(mailboxSemItems)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMailboxEmpty
	}
	return mb.pop()
}

func (mb *Mailbox) pop() ([]byte, error) {
	if err := mb.lock(); err != nil {
		return nil, err
	}
	defer mb.unlock()

	head, _ := mb.mem.AtomicLoad32(OFFSET_MAILBOX_HEAD)
	off := mb.slotOffset(head)
	magic, err := mb.mem.AtomicLoad32(off)
	if err != nil {
		return nil, err
	}
	if magic != MAILBOX_MAGIC {
		return nil, fmt.Errorf("%w: slot %d magic %#x", ErrCorrupted, head, magic)
	}
	payload := make([]byte, mb.payloadSize)
	if err := mb.mem.ReadAt(off+MAILBOX_SLOT_HEADER_SIZE, payload); err != nil {
		return nil, err
	}
	_ = mb.mem.AtomicStore32(off, 0)
	_ = mb.mem.AtomicStore32(OFFSET_MAILBOX_HEAD, (head+1)%mb.capacity)
	_, _ = mb.mem.AtomicAdd32(OFFSET_MAILBOX_COUNT, ^uint32(0))
	_, _ = mb.mem.AtomicAdd32(OFFSET_MAILBOX_DEQUEUED, 1)
	return payload, nil
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	n, _ := mb.mem.AtomicLoad32(OFFSET_MAILBOX_COUNT)
	return int(n)
}

// Stats returns a snapshot of the shared traffic counters.
func (mb *Mailbox) Stats() QueueStats {
	load := func(off uint32) uint32 {
		v, _ := mb.mem.AtomicLoad32(off)
		return v
	}
	return QueueStats{
		Enqueued:   load(OFFSET_MAILBOX_ENQUEUED),
		Dequeued:   load(OFFSET_MAILBOX_DEQUEUED),
		Dropped:    load(OFFSET_MAILBOX_DROPPED),
		QueueDepth: load(OFFSET_MAILBOX_COUNT),
		MaxDepth:   load(OFFSET_MAILBOX_MAXDEPTH),
	}
}

// Removed reports whether the mailbox has been torn down.
func (mb *Mailbox) Removed() bool {
	return mb.sems.Removed()
}

// Remove wakes the receiver with ErrRemoved. Every later operation fails the
// same way.
func (mb *Mailbox) Remove() error {
	return mb.sems.Remove()
}
