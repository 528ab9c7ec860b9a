package ledger

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

func TestResources_ProvisionAttach(t *testing.T) {
	cfg := testConfig()
	ns := sab.NewMemNamespace("run")
	sup, err := Provision(ns, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"mailbox-000", "mailbox-001"}, sup.MailboxNames())
	assert.Contains(t, ns.Names(), "sem-registry")
	assert.Contains(t, ns.Names(), "sem-start")

	user, err := Attach(ns, sab.RegionOwnerUser, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg, user.Config)

	slot, err := user.Users.Register(31, int64(user.Config.BudgetInit))
	require.NoError(t, err)
	got, err := sup.Users.Get(slot)
	require.NoError(t, err)
	assert.Equal(t, int32(31), got.Pid)

	// users may not write the node table or the registry
	_, err = user.Nodes.Register(31)
	assert.ErrorIs(t, err, sab.ErrReadOnly)

	mb, err := user.Mailbox(1)
	require.NoError(t, err)
	payload, err := tx(1, 31, 32, 2, 1).MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, mb.TrySend(payload))

	supMb, err := sup.Mailbox(1)
	require.NoError(t, err)
	assert.Equal(t, 1, supMb.Len())

	_, err = user.Mailbox(2)
	assert.Error(t, err)

	require.NoError(t, user.Detach(context.Background()))
	require.NoError(t, sup.Teardown(context.Background()))
	assert.Empty(t, ns.Names())
}

func TestResources_MatchLayout(t *testing.T) {
	cfg := testConfig()
	ns := sab.NewMemNamespace(t.Name())
	sup, err := Provision(ns, cfg, nil)
	require.NoError(t, err)
	defer sup.Teardown(context.Background()) // nolint: errcheck

	specs := cfg.Layout()
	assert.Equal(t, sab.LayoutNames(specs), ns.Names())
	for _, region := range specs {
		mem, err := ns.Open(region.Name, true)
		require.NoError(t, err, region.Name)
		assert.Equal(t, region.Size, uint64(mem.Size()), region.Name)
		require.NoError(t, mem.Close())
	}
}

func TestResources_StartBarrier(t *testing.T) {
	cfg := testConfig()
	cfg.UsersNum, cfg.NodesNum = 2, 1
	ns := sab.NewMemNamespace("barrier")
	sup, err := Provision(ns, cfg, nil)
	require.NoError(t, err)
	defer sup.Teardown(context.Background())

	var started atomic.Int32
	for i := 0; i < 3; i++ {
		go func() {
			agent, err := Attach(ns, sab.RegionOwnerNode, nil)
			if err != nil {
				return
			}
			defer agent.Detach(context.Background())
			if agent.AwaitStart(context.Background()) == nil {
				started.Add(1)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Start.WaitZero(ctx, 0))
	assert.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestResources_TeardownIdempotent(t *testing.T) {
	ns := sab.NewMemNamespace("twice")
	sup, err := Provision(ns, testConfig(), nil)
	require.NoError(t, err)

	mb, err := sup.Mailbox(0)
	require.NoError(t, err)
	errs := make(chan error, 1)
	go func() {
		_, err := mb.Receive(context.Background())
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)

	first := sup.Teardown(context.Background())
	second := sup.Teardown(context.Background())
	assert.NoError(t, first)
	assert.Equal(t, first, second)
	assert.Empty(t, ns.Names())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, foundation.ErrRemoved)
	case <-time.After(time.Second):
		t.Fatal("blocked receiver survived teardown")
	}
}

func TestResources_PartialProvision(t *testing.T) {
	ns := sab.NewMemNamespace("partial")
	_, err := ns.Create(sab.NameRegistry, 8)
	require.NoError(t, err)

	sup, err := Provision(ns, testConfig(), nil)
	require.ErrorIs(t, err, sab.ErrExists)
	assert.Contains(t, err.Error(), "registry")
	assert.Nil(t, sup.Ledger)

	require.NoError(t, sup.Teardown(context.Background()))
	require.NoError(t, sup.Teardown(context.Background()))
	assert.Empty(t, ns.Names())
}

func TestResources_AttachMissingRun(t *testing.T) {
	ns := sab.NewMemNamespace("empty")
	agent, err := Attach(ns, sab.RegionOwnerUser, nil)
	require.ErrorIs(t, err, sab.ErrNotFound)
	require.NoError(t, agent.Detach(context.Background()))
}

func TestResources_FileNamespace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledgersim-test")
	ns, err := sab.CreateFileNamespace(dir)
	require.NoError(t, err)

	sup, err := Provision(ns, testConfig(), nil)
	require.NoError(t, err)

	agentNs, err := sab.OpenFileNamespace(dir)
	require.NoError(t, err)
	node, err := Attach(agentNs, sab.RegionOwnerNode, nil)
	require.NoError(t, err)

	slot, err := node.Nodes.Register(77)
	require.NoError(t, err)
	_, err = node.Ledger.Append(AssembleBlock([]Transaction{tx(1, 1, 2, 3, 1), tx(2, 2, 1, 1, 1)}, 77, Timestamp{}), nil)
	require.NoError(t, err)
	require.NoError(t, node.Nodes.RecordBlock(slot, 2))

	n, err := sup.Ledger.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, node.Detach(context.Background()))
	require.NoError(t, sup.Teardown(context.Background()))
	_, err = sab.OpenFileNamespace(dir)
	assert.ErrorIs(t, err, sab.ErrNotFound)
}

func TestResources_RecoverLocksAfterDeadWriter(t *testing.T) {
	ns := sab.NewMemNamespace("run")
	sup, err := Provision(ns, testConfig(), nil)
	require.NoError(t, err)
	node, err := Attach(ns, sab.RegionOwnerNode, nil)
	require.NoError(t, err)

	held, release := make(chan struct{}), make(chan struct{})
	appended := make(chan error, 1)
	go func() {
		block := AssembleBlock([]Transaction{tx(1, 31, 32, 2, 1), tx(2, 32, 31, 2, 1)}, 41, Timestamp{})
		_, err := node.Ledger.Append(block, func() {
			close(held)
			<-release
		})
		appended <- err
	}()
	<-held

	// the node is treated as killed while it holds the counter
	assert.Error(t, node.RecoverLocks(), "agents never reset shared locks")
	require.NoError(t, sup.RecoverLocks())

	counted := make(chan int, 1)
	go func() {
		n, err := sup.Ledger.Count()
		assert.NoError(t, err)
		counted <- n
	}()
	select {
	case n := <-counted:
		assert.Zero(t, n)
	case <-time.After(2 * time.Second):
		t.Fatal("count blocked on a recovered lock")
	}

	require.NoError(t, sup.Teardown(context.Background()))
	assert.Empty(t, ns.Names())
	assert.ErrorIs(t, sup.RecoverLocks(), foundation.ErrRemoved)

	close(release)
	assert.Error(t, <-appended)
	require.NoError(t, node.Detach(context.Background()))
}
