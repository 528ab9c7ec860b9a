package agent

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ledgersim/internal/config"
	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/ledger"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
	"github.com/nmxmxh/ledgersim/kernel/threads/testutil"
	"github.com/nmxmxh/ledgersim/kernel/utils"
)

func testConfig() config.Config {
	return config.Config{
		UsersNum:         2,
		NodesNum:         1,
		BudgetInit:       10,
		Reward:           20,
		MinTransGenNsec:  1000,
		MaxTransGenNsec:  2000,
		Retry:            3,
		TPSize:           4,
		MinTransProcNsec: 0,
		MaxTransProcNsec: 1000,
		SimSec:           1,
		FriendsNum:       1,
		Hops:             1,
		BlockSize:        3,
		RegistrySize:     2,
	}
}

type run struct {
	*testutil.Run
}

func newRun(t *testing.T, cfg config.Config, agents uint32) *run {
	return &run{testutil.NewRun(t, cfg, agents)}
}

func (r *run) options(kind Kind, pid int32) Options {
	return Options{
		Kind:      kind,
		Pid:       pid,
		Namespace: r.NS,
		Events:    foundation.NewEventFlags(),
		Rand:      rand.New(rand.NewPCG(uint64(pid), 1)),
		Log:       utils.NopLogger(),
	}
}

func (r *run) start(t *testing.T, opts Options) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), opts) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
		return nil
	}
}

func TestNode_AppendsOneBlockWithReward(t *testing.T) {
	r := newRun(t, testConfig(), 1)
	var notified atomic.Int32
	opts := r.options(KindNode, 20000)
	opts.Notifier = NotifyFunc(func(ev foundation.Event) error {
		notified.Add(1)
		return nil
	})
	done := r.start(t, opts)

	require.Eventually(t, func() bool {
		_, err := r.Sup.Nodes.Locate(20000)
		return err == nil
	}, time.Second, time.Millisecond)

	batch := []ledger.Transaction{testutil.Transfer(1, 10001, 10002, 8, 2), testutil.Transfer(2, 10002, 10001, 4, 1)}
	for _, tx := range batch {
		r.Send(t, 0, tx)
	}
	require.Eventually(t, func() bool {
		n, err := r.Sup.Ledger.Count()
		return err == nil && n == 1
	}, 2*time.Second, time.Millisecond)

	opts.Events.Raise(foundation.EventTerminate)
	require.NoError(t, wait(t, done))

	blocks, err := r.Sup.Ledger.Blocks(0)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, batch, blocks[0].Transactions[:2])
	reward, ok := blocks[0].RewardTransaction()
	require.True(t, ok)
	assert.Equal(t, int32(20000), reward.Receiver)
	assert.Equal(t, int64(3), reward.Quantity)

	rec, err := r.Sup.Nodes.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Blocks)
	assert.Equal(t, int64(3), rec.Reward)
	assert.Zero(t, rec.Unprocessed)
	assert.Zero(t, notified.Load(), "ledger not full yet")
}

func TestNode_SealsLedgerAndCountsLeftovers(t *testing.T) {
	cfg := testConfig()
	cfg.RegistrySize = 1
	r := newRun(t, cfg, 1)

	var notified atomic.Int32
	opts := r.options(KindNode, 20000)
	opts.Notifier = NotifyFunc(func(ev foundation.Event) error {
		assert.Equal(t, foundation.EventRegistryFull, ev)
		notified.Add(1)
		return nil
	})
	done := r.start(t, opts)
	require.Eventually(t, func() bool {
		_, err := r.Sup.Nodes.Locate(20000)
		return err == nil
	}, time.Second, time.Millisecond)

	r.Send(t, 0, testutil.Transfer(1, 10001, 10002, 2, 1))
	r.Send(t, 0, testutil.Transfer(2, 10001, 10002, 2, 1))
	require.Eventually(t, func() bool { return notified.Load() == 1 }, 2*time.Second, time.Millisecond)
	for i := int64(3); i <= 5; i++ {
		r.Send(t, 0, testutil.Transfer(i, 10001, 10002, 2, 1))
	}

	// sealed node parks instead of consuming the rest
	time.Sleep(20 * time.Millisecond)
	mb, err := r.Sup.Mailbox(0)
	require.NoError(t, err)
	assert.Equal(t, 3, mb.Len())

	opts.Events.Raise(foundation.EventTerminate)
	require.NoError(t, wait(t, done))
	assert.Equal(t, int32(1), notified.Load(), "exactly one notification")

	rec, err := r.Sup.Nodes.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rec.Unprocessed)
	assert.Equal(t, 0, mb.Len())
}

func TestNode_TerminateWhileIdle(t *testing.T) {
	r := newRun(t, testConfig(), 1)
	opts := r.options(KindNode, 20000)
	done := r.start(t, opts)

	require.Eventually(t, func() bool {
		_, err := r.Sup.Nodes.Locate(20000)
		return err == nil
	}, time.Second, time.Millisecond)
	r.Send(t, 0, testutil.Transfer(1, 10001, 10002, 2, 1))
	time.Sleep(20 * time.Millisecond)

	opts.Events.Raise(foundation.EventTerminate)
	require.NoError(t, wait(t, done))
	rec, err := r.Sup.Nodes.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Unprocessed, "half-built block counts as unprocessed")
}

func TestNode_MailboxRemovedIsFatal(t *testing.T) {
	r := newRun(t, testConfig(), 1)
	opts := r.options(KindNode, 20000)
	done := r.start(t, opts)

	require.Eventually(t, func() bool {
		_, err := r.Sup.Nodes.Locate(20000)
		return err == nil
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	mb, err := r.Sup.Mailbox(0)
	require.NoError(t, err)
	require.NoError(t, mb.Remove())

	err = wait(t, done)
	assert.ErrorIs(t, err, foundation.ErrRemoved)
}

func TestRun_AttachFailure(t *testing.T) {
	err := Run(context.Background(), Options{
		Kind:      KindUser,
		Pid:       1,
		Namespace: sab.NewMemNamespace("nothing"),
		Log:       utils.NopLogger(),
	})
	assert.ErrorIs(t, err, sab.ErrNotFound)
}

func TestKind(t *testing.T) {
	k, err := ParseKind("user")
	require.NoError(t, err)
	assert.Equal(t, KindUser, k)
	assert.Equal(t, "node", KindNode.String())
	assert.Equal(t, sab.RegionOwnerNode, KindNode.Role())
	_, err = ParseKind("miner")
	assert.Error(t, err)
}
