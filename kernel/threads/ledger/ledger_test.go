package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ledgersim/internal/config"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

func testConfig() config.Config {
	return config.Config{
		UsersNum:         3,
		NodesNum:         2,
		BudgetInit:       10,
		Reward:           20,
		MinTransGenNsec:  1000,
		MaxTransGenNsec:  2000,
		Retry:            3,
		TPSize:           4,
		MinTransProcNsec: 0,
		MaxTransProcNsec: 0,
		SimSec:           1,
		FriendsNum:       1,
		Hops:             1,
		BlockSize:        3,
		RegistrySize:     2,
	}
}

func provision(t *testing.T, cfg config.Config) *Resources {
	t.Helper()
	require.NoError(t, cfg.Validate())
	res, err := Provision(sab.NewMemNamespace(t.Name()), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Teardown(context.Background()) })
	return res
}

func tx(sec int64, sender, receiver int32, qty, reward int64) Transaction {
	return Transaction{
		Timestamp: Timestamp{Sec: sec, Nsec: 7},
		Sender:    sender,
		Receiver:  receiver,
		Quantity:  qty,
		Reward:    reward,
	}
}

func TestTransaction_Codec(t *testing.T) {
	in := tx(1700000000, 101, 202, 55, 3)
	buf, err := in.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, buf, sab.TRANSACTION_SIZE)

	out, err := DecodeTransaction(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeTransaction(buf[:10])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestAssembleBlock_Reward(t *testing.T) {
	batch := []Transaction{tx(1, 101, 102, 8, 2), tx(2, 102, 103, 4, 1)}
	b := AssembleBlock(batch, 900, Timestamp{Sec: 3})

	require.Len(t, b.Transactions, 3)
	reward, ok := b.RewardTransaction()
	require.True(t, ok)
	assert.Equal(t, RewardSender, reward.Sender)
	assert.Equal(t, int32(900), reward.Receiver)
	assert.Equal(t, int64(3), reward.Quantity)
	assert.Zero(t, reward.Reward)

	buf, err := b.Encode(3)
	require.NoError(t, err)
	got, err := DecodeBlock(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = b.Encode(4)
	assert.ErrorIs(t, err, ErrBlockSize)
}

// Registry capacity 2, block size 3: two real transactions give one block
// closed by the node's reward.
func TestLedger_AppendSingleBlock(t *testing.T) {
	res := provision(t, testConfig())
	l := res.Ledger

	processed := false
	batch := []Transaction{tx(1, 101, 102, 8, 2), tx(2, 103, 101, 5, 1)}
	idx, err := l.Append(AssembleBlock(batch, 900, Timestamp{Sec: 3}), func() { processed = true })
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, uint32(0), idx)

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	blocks, err := l.Blocks(0)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, uint32(0), blocks[0].Index)
	assert.Equal(t, batch, blocks[0].Transactions[:2])
	reward, ok := blocks[0].RewardTransaction()
	require.True(t, ok)
	assert.Equal(t, int64(3), reward.Quantity)
	assert.Equal(t, int32(900), reward.Receiver)
}

func TestLedger_SealedRejectsAppend(t *testing.T) {
	res := provision(t, testConfig())
	l := res.Ledger
	block := AssembleBlock([]Transaction{tx(1, 1, 2, 1, 1), tx(2, 2, 1, 1, 1)}, 9, Timestamp{})

	for i := 0; i < l.Capacity(); i++ {
		_, err := l.Append(block, nil)
		require.NoError(t, err)
	}
	sealed, err := l.Sealed()
	require.NoError(t, err)
	assert.True(t, sealed)

	called := false
	_, err = l.Append(block, func() { called = true })
	assert.ErrorIs(t, err, ErrRegistryFull)
	assert.False(t, called, "nothing runs once sealed")

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, l.Capacity(), n)
}

func TestLedger_ConcurrentAppendIsMonotonic(t *testing.T) {
	cfg := testConfig()
	cfg.RegistrySize = 40
	res := provision(t, cfg)
	l := res.Ledger

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[uint32]bool{}
	full := 0
	for node := int32(1); node <= 6; node++ {
		wg.Add(1)
		go func(node int32) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				b := AssembleBlock([]Transaction{tx(int64(i), node, 1, 1, 0), tx(int64(i), node, 2, 1, 0)}, node, Timestamp{})
				idx, err := l.Append(b, nil)
				mu.Lock()
				if err != nil {
					assert.ErrorIs(t, err, ErrRegistryFull)
					full++
				} else {
					assert.False(t, seen[idx], "index %d claimed twice", idx)
					seen[idx] = true
				}
				mu.Unlock()
			}
		}(node)
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	assert.Equal(t, 20, full)
	blocks, err := l.Blocks(0)
	require.NoError(t, err)
	for i, b := range blocks {
		assert.Equal(t, uint32(i), b.Index)
	}
}

func TestLedger_SnapshotBalanceIncremental(t *testing.T) {
	cfg := testConfig()
	cfg.RegistrySize = 4
	res := provision(t, cfg)
	l := res.Ledger

	sent := tx(1, 101, 102, 5, 1)
	_, err := l.Append(AssembleBlock([]Transaction{sent, tx(2, 103, 101, 3, 1)}, 900, Timestamp{}), nil)
	require.NoError(t, err)

	var retired []Transaction
	bal, err := l.SnapshotBalance(101, 0, func(tx Transaction) { retired = append(retired, tx) })
	require.NoError(t, err)
	assert.Equal(t, int64(-3), bal.Delta)
	assert.Equal(t, 1, bal.Next)
	assert.Equal(t, []Transaction{sent}, retired)

	node, err := l.SnapshotBalance(900, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), node.Delta)

	_, err = l.Append(AssembleBlock([]Transaction{tx(3, 102, 101, 4, 1), tx(4, 102, 103, 1, 1)}, 900, Timestamp{}), nil)
	require.NoError(t, err)

	more, err := l.SnapshotBalance(101, bal.Next, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), more.Delta)
	assert.Equal(t, 2, more.Next)

	full, err := l.SnapshotBalance(101, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, bal.Delta+more.Delta, full.Delta)

	none, err := l.SnapshotBalance(101, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, Balance{Next: 2}, none)
}
