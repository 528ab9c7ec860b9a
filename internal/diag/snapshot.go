// Package diag renders population and ledger snapshots for operators.
// It only reads snapshots taken by the supervisor under the right locks.
package diag

import (
	"sort"
	"time"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/ledger"
)

// Snapshot is a consistent view of the run at one instant.
type Snapshot struct {
	Elapsed     time.Duration
	Reason      string
	Blocks      int
	Capacity    int
	Users       []ledger.UserRecord
	Nodes       []ledger.NodeRecord
	Mailboxes   []foundation.QueueStats
	EarlyDeaths int
}

// AliveUsers counts users still trading.
func (s Snapshot) AliveUsers() int {
	n := 0
	for _, u := range s.Users {
		if u.Alive {
			n++
		}
	}
	return n
}

// Unprocessed sums the transactions nodes left behind.
func (s Snapshot) Unprocessed() uint64 {
	var n uint64
	for _, node := range s.Nodes {
		n += uint64(node.Unprocessed)
	}
	return n
}

// Queued sums the transactions still waiting in mailboxes.
func (s Snapshot) Queued() uint64 {
	var n uint64
	for _, mb := range s.Mailboxes {
		n += uint64(mb.QueueDepth)
	}
	return n
}

// RankUsers returns the users by balance, richest first.
func (s Snapshot) RankUsers() []ledger.UserRecord {
	out := append([]ledger.UserRecord(nil), s.Users...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Budget > out[j].Budget })
	return out
}

// RankNodes returns the nodes by reward, richest first.
func (s Snapshot) RankNodes() []ledger.NodeRecord {
	out := append([]ledger.NodeRecord(nil), s.Nodes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Reward > out[j].Reward })
	return out
}

// extremes keeps the first and last n entries of a ranking when it is
// longer than 2n.
func extremes[T any](ranked []T, n int) (top, bottom []T, trimmed bool) {
	if n <= 0 || len(ranked) <= 2*n {
		return ranked, nil, false
	}
	return ranked[:n], ranked[len(ranked)-n:], true
}
