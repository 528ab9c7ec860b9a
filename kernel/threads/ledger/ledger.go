package ledger

import (
	"fmt"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

// Ledger is the shared append-only registry of blocks plus its separately
// locked block counter.
//
// Lock order is always counter then registry. The counter is advanced only
// after the registry slot is fully written, so a reader holding the counter
// read lock never sees a count ahead of the data.
type Ledger struct {
	registry     sab.MemoryProvider
	counter      sab.MemoryProvider
	registryLock foundation.RWLock
	counterLock  foundation.RWLock
	capacity     int
	blockSize    int
	blockBytes   uint32
}

// NewLedger binds the registry and counter regions.
func NewLedger(registry, counter sab.MemoryProvider, registryLock, counterLock foundation.RWLock, capacity, blockSize int) (*Ledger, error) {
	if capacity <= 0 || blockSize < 2 {
		return nil, fmt.Errorf("ledger: capacity %d and block size %d must be positive", capacity, blockSize)
	}
	if registry.Size() < sab.RegistryBytes(capacity, blockSize) {
		return nil, fmt.Errorf("ledger: registry region of %d bytes cannot hold %d blocks: %w",
			registry.Size(), capacity, sab.ErrOutOfBounds)
	}
	if counter.Size() < sab.SIZE_BLOCK_COUNT {
		return nil, fmt.Errorf("ledger: counter region too small: %w", sab.ErrOutOfBounds)
	}
	return &Ledger{
		registry:     registry,
		counter:      counter,
		registryLock: registryLock,
		counterLock:  counterLock,
		capacity:     capacity,
		blockSize:    blockSize,
		blockBytes:   sab.BlockBytes(blockSize),
	}, nil
}

func (l *Ledger) Capacity() int  { return l.capacity }
func (l *Ledger) BlockSize() int { return l.blockSize }

func (l *Ledger) loadCount() (int, error) {
	v, err := l.counter.AtomicLoad32(sab.OFFSET_BLOCK_COUNT)
	return int(v), err
}

// Count returns the number of committed blocks.
func (l *Ledger) Count() (int, error) {
	var n int
	err := foundation.WithRead(l.counterLock, func() error {
		var err error
		n, err = l.loadCount()
		return err
	})
	return n, err
}

// Append commits b at the next free index and returns that index.
//
// The counter write lock is held for the whole operation and doubles as
// the token serialising nodes. process runs while the index is claimed but
// before anything is written; nodes use it for the simulated processing
// delay. When the ledger is already sealed nothing is written and
// ErrRegistryFull is returned.
func (l *Ledger) Append(b Block, process func()) (uint32, error) {
	if len(b.Transactions) != l.blockSize {
		return 0, fmt.Errorf("%w: block holds %d transactions, want %d", ErrBlockSize, len(b.Transactions), l.blockSize)
	}
	if err := l.counterLock.BeginWrite(); err != nil {
		return 0, err
	}
	idx, err := l.appendLocked(b, process)
	if uerr := l.counterLock.EndWrite(); uerr != nil && err == nil {
		err = uerr
	}
	return idx, err
}

func (l *Ledger) appendLocked(b Block, process func()) (uint32, error) {
	n, err := l.loadCount()
	if err != nil {
		return 0, err
	}
	if n >= l.capacity {
		return uint32(n), ErrRegistryFull
	}
	if process != nil {
		process()
	}

	b.Index = uint32(n)
	buf, err := b.Encode(l.blockSize)
	if err != nil {
		return 0, err
	}
	err = foundation.WithWrite(l.registryLock, func() error {
		return l.registry.WriteAt(uint32(n)*l.blockBytes, buf)
	})
	if err != nil {
		return 0, err
	}
	if err := l.counter.AtomicStore32(sab.OFFSET_BLOCK_COUNT, uint32(n+1)); err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// Sealed reports whether the ledger has reached capacity.
func (l *Ledger) Sealed() (bool, error) {
	n, err := l.Count()
	return n >= l.capacity, err
}

// Balance is the effect of a range of committed blocks on one actor.
type Balance struct {
	Delta int64
	// Next is the first block not yet scanned; pass it as from on the next
	// call to continue incrementally.
	Next int
}

// SnapshotBalance scans blocks [from, count) under read locks on the
// counter and the registry. Received quantities add, sent quantity plus
// reward subtract. onSent, if set, is called for each committed
// transaction sent by actor so the caller can retire it from its pending
// list.
func (l *Ledger) SnapshotBalance(actor int32, from int, onSent func(Transaction)) (Balance, error) {
	bal := Balance{Next: from}
	err := l.scan(from, func(b Block) {
		for _, tx := range b.Transactions {
			if tx.Receiver == actor {
				bal.Delta += tx.Quantity
			}
			if tx.Sender == actor {
				bal.Delta -= tx.Cost()
				if onSent != nil {
					onSent(tx)
				}
			}
		}
		bal.Next = int(b.Index) + 1
	})
	return bal, err
}

// Blocks returns a copy of every block from index from onwards.
func (l *Ledger) Blocks(from int) ([]Block, error) {
	var blocks []Block
	err := l.scan(from, func(b Block) {
		blocks = append(blocks, b)
	})
	return blocks, err
}

func (l *Ledger) scan(from int, fn func(Block)) error {
	if from < 0 {
		from = 0
	}
	if err := l.counterLock.BeginRead(); err != nil {
		return err
	}
	err := l.scanLocked(from, fn)
	if uerr := l.counterLock.EndRead(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

func (l *Ledger) scanLocked(from int, fn func(Block)) error {
	n, err := l.loadCount()
	if err != nil {
		return err
	}
	if from >= n {
		return nil
	}
	return foundation.WithRead(l.registryLock, func() error {
		buf := make([]byte, l.blockBytes)
		for i := from; i < n; i++ {
			if err := l.registry.ReadAt(uint32(i)*l.blockBytes, buf); err != nil {
				return err
			}
			b, err := DecodeBlock(buf, l.blockSize)
			if err != nil {
				return err
			}
			fn(b)
		}
		return nil
	})
}
