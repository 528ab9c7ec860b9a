package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/ledger"
	"github.com/nmxmxh/ledgersim/kernel/utils"
)

// Node batches transactions from its mailbox into blocks and appends them
// to the ledger.
type Node struct {
	lifecycle

	res  *ledger.Resources
	opts Options
	log  *utils.Logger

	slot     int
	mailbox  *foundation.Mailbox
	batch    []ledger.Transaction
	perBlock int
	notified bool

	blocks int
	reward int64
}

func NewNode(res *ledger.Resources, opts Options) *Node {
	opts.defaults()
	return &Node{
		res:      res,
		opts:     opts,
		log:      opts.Log,
		slot:     -1,
		perBlock: res.Config.TransactionsPerBlock(),
	}
}

// Init registers the node and opens the mailbox of its slot.
func (n *Node) Init() error {
	slot, err := n.res.Nodes.Register(n.opts.Pid)
	if err != nil {
		return utils.WrapError(err, "register node")
	}
	mb, err := n.res.Mailbox(slot)
	if err != nil {
		return err
	}
	n.slot = slot
	n.mailbox = mb
	n.batch = make([]ledger.Transaction, 0, n.perBlock)
	n.transitionState(StateInitializing, StateRegistered)
	n.log.Debug("Registered", utils.Int("slot", slot), utils.Int("mailbox_capacity", int(mb.Capacity())))
	return nil
}

// Slot returns the registered slot, or -1 before Init.
func (n *Node) Slot() int {
	return n.slot
}

// Run processes the mailbox until terminated, then drains it.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := n.opts.Events.Watch(ctx, foundation.EventTerminate)
	defer cancel()

	if err := n.res.AwaitStart(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("start barrier: %w", err)
	}
	if !n.transitionState(StateRegistered, StateProcessing) {
		return fmt.Errorf("node run in state %s", n.State())
	}

	err := n.process(ctx)
	if errors.Is(err, ledger.ErrRegistryFull) {
		n.log.Info("Ledger sealed, waiting for termination")
		<-ctx.Done()
		err = nil
	}
	if derr := n.drain(); derr != nil && err == nil {
		err = derr
	}
	n.setState(StateTerminated)
	return err
}

func (n *Node) process(ctx context.Context) error {
	for ctx.Err() == nil {
		payload, err := n.mailbox.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		tx, err := ledger.DecodeTransaction(payload)
		if err != nil {
			return err
		}
		n.batch = append(n.batch, tx)
		if len(n.batch) < n.perBlock {
			continue
		}
		if err := n.commit(); err != nil {
			return err
		}
	}
	return nil
}

// commit closes the current batch into a block and appends it.
func (n *Node) commit() error {
	lo, hi := n.res.Config.ProcDelayRange()
	ts := ledger.TimestampOf(n.opts.Clock.Now())
	block := ledger.AssembleBlock(n.batch, n.opts.Pid, ts)

	idx, err := n.res.Ledger.Append(block, func() {
		n.opts.Clock.Sleep(randomDuration(n.opts.Rand, lo, hi))
	})
	if errors.Is(err, ledger.ErrRegistryFull) {
		n.notifyFull()
		return err
	}
	if err != nil {
		return fmt.Errorf("append block: %w", err)
	}

	reward, _ := block.RewardTransaction()
	n.batch = n.batch[:0]
	n.blocks++
	n.reward += reward.Quantity
	if err := n.res.Nodes.RecordBlock(n.slot, reward.Quantity); err != nil {
		return err
	}
	n.log.Debug("Block appended", utils.Int("index", int(idx)), utils.Int64("reward", reward.Quantity))

	if int(idx)+1 == n.res.Ledger.Capacity() {
		n.notifyFull()
		return ledger.ErrRegistryFull
	}
	return nil
}

// notifyFull tells the supervisor the ledger is sealed, once per node.
func (n *Node) notifyFull() {
	if n.notified {
		return
	}
	n.notified = true
	if err := n.opts.Notifier.Notify(foundation.EventRegistryFull); err != nil {
		n.log.Warn("Registry full notification failed", utils.Err(err))
	}
}

// drain empties the mailbox without blocking and records how many
// transactions never made it into a block.
func (n *Node) drain() error {
	n.setState(StateDraining)
	left := len(n.batch)
	for {
		_, err := n.mailbox.TryReceive()
		if err != nil {
			break
		}
		left++
	}
	n.log.Debug("Drained", utils.Int("unprocessed", left), utils.Int("blocks", n.blocks))
	if err := n.res.Nodes.SetUnprocessed(n.slot, uint32(left)); err != nil && !errors.Is(err, foundation.ErrRemoved) {
		return err
	}
	return nil
}

// Stats returns the blocks and reward this node committed.
func (n *Node) Stats() (blocks int, reward int64) {
	return n.blocks, n.reward
}
