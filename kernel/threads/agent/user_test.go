package agent

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/ledger"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
	"github.com/nmxmxh/ledgersim/kernel/threads/testutil"
)

// newUser attaches a user directly so tests can drive single attempts.
func newUser(t *testing.T, r *run, pid int32) *User {
	t.Helper()
	res, err := ledger.Attach(r.NS, sab.RegionOwnerUser, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Detach(context.Background()) })
	u := NewUser(res, r.options(KindUser, pid))
	require.NoError(t, u.Init())
	return u
}

func TestUser_PendingThenCommitted(t *testing.T) {
	r := newRun(t, testConfig(), 0)
	u := newUser(t, r, 10001)

	sent := testutil.Transfer(5, 10001, 10002, 5, 1)
	require.NoError(t, u.Pending().Add(sent))

	balance, err := u.Balance()
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance, "10 - 5 - 1 while in flight")

	block := ledger.AssembleBlock([]ledger.Transaction{sent, testutil.Transfer(6, 10002, 10003, 1, 1)}, 20000, ledger.Timestamp{})
	_, err = r.Sup.Ledger.Append(block, nil)
	require.NoError(t, err)

	balance, err = u.Balance()
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance, "committed once, not twice")
	assert.Zero(t, u.Pending().Len())

	// a fresh scan from the ledger alone agrees
	full, err := r.Sup.Ledger.SnapshotBalance(10001, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), int64(testConfig().BudgetInit)+full.Delta)
}

func TestUser_AttemptSendsToMailbox(t *testing.T) {
	r := newRun(t, testConfig(), 0)
	_, err := r.Sup.Nodes.Register(20000)
	require.NoError(t, err)
	_, err = r.Sup.Users.Register(10002, 10)
	require.NoError(t, err)
	u := newUser(t, r, 10001)

	require.NoError(t, u.Attempt())
	require.Equal(t, 1, u.Pending().Len())
	tx := u.Pending().Items()[0]

	assert.Equal(t, int32(10001), tx.Sender)
	assert.Equal(t, int32(10002), tx.Receiver)
	assert.GreaterOrEqual(t, tx.Cost(), int64(MinTransfer))
	assert.LessOrEqual(t, tx.Cost(), int64(10))
	assert.Equal(t, RewardFor(tx.Cost(), 20), tx.Reward)

	mb, err := r.Sup.Mailbox(0)
	require.NoError(t, err)
	payload, err := mb.TryReceive()
	require.NoError(t, err)
	got, err := ledger.DecodeTransaction(payload)
	require.NoError(t, err)
	assert.Equal(t, tx, got)

	rec, err := r.Sup.Users.Get(u.Slot())
	require.NoError(t, err)
	assert.Equal(t, 10-tx.Cost(), rec.Budget)
	assert.Zero(t, rec.Failed)
}

func TestUser_FullMailboxIsAFailedAttempt(t *testing.T) {
	r := newRun(t, testConfig(), 0)
	_, err := r.Sup.Nodes.Register(20000)
	require.NoError(t, err)
	_, err = r.Sup.Users.Register(10002, 10)
	require.NoError(t, err)
	u := newUser(t, r, 10001)

	for i := int64(0); i < int64(testConfig().TPSize); i++ {
		r.Send(t, 0, testutil.Transfer(i, 10002, 10001, 1, 1))
	}

	start := time.Now()
	require.NoError(t, u.Attempt())
	assert.Less(t, time.Since(start), time.Second, "send never blocks")
	assert.Zero(t, u.Pending().Len())
	assert.Equal(t, uint32(1), u.Failed())

	balance, err := u.Balance()
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestUser_OpenBreakerStillSends(t *testing.T) {
	r := newRun(t, testConfig(), 0)
	_, err := r.Sup.Nodes.Register(20000)
	require.NoError(t, err)
	_, err = r.Sup.Users.Register(10002, 10)
	require.NoError(t, err)
	u := newUser(t, r, 10001)

	for i := int64(0); i < int64(testConfig().TPSize); i++ {
		r.Send(t, 0, testutil.Transfer(i, 10002, 10001, 1, 1))
	}
	for i := 0; i < breakerTrips; i++ {
		require.NoError(t, u.Attempt())
	}
	require.Equal(t, uint32(breakerTrips), u.Failed())
	require.Equal(t, gobreaker.StateOpen, u.breaker(0).State())

	mb, err := r.Sup.Mailbox(0)
	require.NoError(t, err)
	for {
		if _, err := mb.TryReceive(); err != nil {
			break
		}
	}

	require.NoError(t, u.Attempt())
	assert.Equal(t, uint32(breakerTrips), u.Failed(), "an empty mailbox is not a failure")
	assert.Zero(t, u.consecutive)
	assert.Equal(t, 1, u.Pending().Len())
	assert.Equal(t, 1, mb.Len())
}

func TestUser_NoLiveReceiver(t *testing.T) {
	r := newRun(t, testConfig(), 0)
	_, err := r.Sup.Nodes.Register(20000)
	require.NoError(t, err)
	other, err := r.Sup.Users.Register(10002, 10)
	require.NoError(t, err)
	require.NoError(t, r.Sup.Users.SetAlive(other, false))
	u := newUser(t, r, 10001)

	require.NoError(t, u.Attempt())
	assert.Equal(t, uint32(1), u.Failed())
	assert.Zero(t, u.Pending().Len())
}

func TestUser_RetryBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.BudgetInit = 0
	cfg.Retry = 3
	r := newRun(t, cfg, 1)

	opts := r.options(KindUser, 10001)
	require.NoError(t, wait(t, r.start(t, opts)))

	slot, err := r.Sup.Users.Locate(10001)
	require.NoError(t, err)
	rec, err := r.Sup.Users.Get(slot)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rec.Failed)
	assert.False(t, rec.Alive)
	assert.Zero(t, rec.Budget)
}

func TestUser_TerminateMarksDead(t *testing.T) {
	cfg := testConfig()
	cfg.Retry = 1 << 20
	cfg.MinTransGenNsec, cfg.MaxTransGenNsec = uint64(time.Millisecond), uint64(time.Millisecond)
	r := newRun(t, cfg, 1)
	_, err := r.Sup.Nodes.Register(20000)
	require.NoError(t, err)
	_, err = r.Sup.Users.Register(10002, 10)
	require.NoError(t, err)

	opts := r.options(KindUser, 10001)
	done := r.start(t, opts)
	time.Sleep(30 * time.Millisecond)
	opts.Events.Raise(foundation.EventTerminate)
	require.NoError(t, wait(t, done))

	slot, err := r.Sup.Users.Locate(10001)
	require.NoError(t, err)
	rec, err := r.Sup.Users.Get(slot)
	require.NoError(t, err)
	assert.False(t, rec.Alive)

	// nothing was committed, so the published balance is budget minus
	// whatever is still queued at the node
	mb, err := r.Sup.Mailbox(0)
	require.NoError(t, err)
	var queued int64
	for {
		payload, err := mb.TryReceive()
		if err != nil {
			break
		}
		tx, err := ledger.DecodeTransaction(payload)
		require.NoError(t, err)
		queued += tx.Cost()
	}
	assert.Equal(t, int64(10)-queued, rec.Budget)
}

func TestRewardFor(t *testing.T) {
	assert.Equal(t, int64(1), RewardFor(2, 0), "floor of one unit")
	assert.Equal(t, int64(1), RewardFor(6, 20))
	assert.Equal(t, int64(20), RewardFor(100, 20))
	assert.Equal(t, int64(1), RewardFor(2, 100), "never the whole amount")
	assert.Equal(t, int64(9), RewardFor(10, 100))
}

func TestPendingList(t *testing.T) {
	p := NewPendingList(2)
	a := testutil.Transfer(1, 1, 2, 5, 1)
	b := testutil.Transfer(2, 1, 3, 3, 1)
	require.NoError(t, p.Add(a))
	require.NoError(t, p.Add(b))
	assert.ErrorIs(t, p.Add(testutil.Transfer(3, 1, 2, 1, 1)), ErrPendingFull)
	assert.Equal(t, int64(10), p.Total())

	near := a
	near.Timestamp.Nsec++
	assert.False(t, p.Remove(near), "removal needs every field to match")
	assert.True(t, p.Remove(a))
	assert.False(t, p.Remove(a))
	assert.Equal(t, []ledger.Transaction{b}, p.Items())
	assert.Equal(t, int64(4), p.Total())

	assert.True(t, p.Remove(b))
	assert.Zero(t, p.Len())
	assert.Zero(t, p.Total())
}
