package agent

import (
	"errors"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/ledgersim/kernel/threads/ledger"
)

var ErrPendingFull = errors.New("pending list full")

// PendingList holds the transactions a user has sent that are not yet
// committed. Entries leave only by exact value match against the ledger.
// A bloom filter answers "definitely not pending" for the many committed
// transactions that belong to other actors.
type PendingList struct {
	items  []ledger.Transaction
	filter *bloom.BloomFilter
	limit  int
	total  int64
}

// NewPendingList creates an empty list holding at most limit entries.
func NewPendingList(limit int) *PendingList {
	return &PendingList{
		limit:  limit,
		filter: newPendingFilter(limit),
	}
}

func newPendingFilter(limit int) *bloom.BloomFilter {
	return bloom.NewWithEstimates(uint(max(limit, 64)), 0.01)
}

func pendingKey(tx ledger.Transaction) []byte {
	buf, _ := tx.MarshalBinary()
	return buf
}

// Add appends tx.
func (p *PendingList) Add(tx ledger.Transaction) error {
	if p.limit > 0 && len(p.items) >= p.limit {
		return ErrPendingFull
	}
	p.items = append(p.items, tx)
	p.filter.Add(pendingKey(tx))
	p.total += tx.Cost()
	return nil
}

// Remove drops the entry equal to tx and reports whether there was one.
func (p *PendingList) Remove(tx ledger.Transaction) bool {
	if !p.filter.Test(pendingKey(tx)) {
		return false
	}
	for i, item := range p.items {
		if item == tx {
			p.items = append(p.items[:i], p.items[i+1:]...)
			p.total -= tx.Cost()
			if len(p.items) == 0 {
				p.filter.ClearAll()
			}
			return true
		}
	}
	return false
}

// Len returns the number of pending transactions.
func (p *PendingList) Len() int {
	return len(p.items)
}

// Full reports whether Add would fail.
func (p *PendingList) Full() bool {
	return p.limit > 0 && len(p.items) >= p.limit
}

// Total is the sum of quantity plus reward over all entries.
func (p *PendingList) Total() int64 {
	return p.total
}

// Items returns a copy of the entries in send order.
func (p *PendingList) Items() []ledger.Transaction {
	return append([]ledger.Transaction(nil), p.items...)
}
