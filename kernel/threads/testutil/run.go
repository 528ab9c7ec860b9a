// Package testutil builds in-memory runs for package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ledgersim/internal/config"
	"github.com/nmxmxh/ledgersim/kernel/threads/ledger"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

// Run is a provisioned run in a private in-memory namespace. Sup holds the
// supervisor side of its resources.
type Run struct {
	NS  *sab.MemNamespace
	Sup *ledger.Resources
}

// NewRun provisions cfg and resets the start barrier to expect agents
// parties. The run is torn down when the test ends.
func NewRun(t testing.TB, cfg config.Config, agents uint32) *Run {
	t.Helper()
	require.NoError(t, cfg.Validate())
	ns := sab.NewMemNamespace(t.Name())
	sup, err := ledger.Provision(ns, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, sup.Start.Init(agents))
	t.Cleanup(func() { _ = sup.Teardown(context.Background()) })
	return &Run{NS: ns, Sup: sup}
}

// Send puts tx into the mailbox of the node in slot.
func (r *Run) Send(t testing.TB, slot int, tx ledger.Transaction) {
	t.Helper()
	mb, err := r.Sup.Mailbox(slot)
	require.NoError(t, err)
	payload, err := tx.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, mb.TrySend(payload))
}

// Transfer builds a plain transaction stamped sec seconds after the epoch.
func Transfer(sec int64, from, to int32, qty, reward int64) ledger.Transaction {
	return ledger.Transaction{
		Timestamp: ledger.Timestamp{Sec: sec},
		Sender:    from,
		Receiver:  to,
		Quantity:  qty,
		Reward:    reward,
	}
}
