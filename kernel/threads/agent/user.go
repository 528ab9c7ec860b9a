package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/ledger"
	"github.com/nmxmxh/ledgersim/kernel/utils"
)

const (
	// MinTransfer is the smallest amount a user sends.
	MinTransfer = 2

	receiverRetries  = 10
	breakerTrips     = 3
	breakerMinCool   = 50 * time.Millisecond
	breakerCoolScale = 50
)

var (
	errInsufficient = errors.New("insufficient balance")
	errNoReceiver   = errors.New("no live receiver")
	errNoNode       = errors.New("no node registered")
)

// User originates transactions and keeps its balance as the committed
// ledger total minus what it has in flight.
type User struct {
	lifecycle

	res  *ledger.Resources
	opts Options
	log  *utils.Logger

	slot      int
	budget    int64
	committed int64
	next      int
	pending   *PendingList

	consecutive uint32
	failed      uint32
	sent        uint32

	nodes    []int
	breakers map[int]*gobreaker.CircuitBreaker
}

func NewUser(res *ledger.Resources, opts Options) *User {
	opts.defaults()
	cfg := res.Config
	return &User{
		res:      res,
		opts:     opts,
		log:      opts.Log,
		slot:     -1,
		budget:   int64(cfg.BudgetInit),
		pending:  NewPendingList(int(cfg.NodesNum * cfg.TPSize)),
		breakers: make(map[int]*gobreaker.CircuitBreaker),
	}
}

// Init registers the user with its starting budget.
func (u *User) Init() error {
	slot, err := u.res.Users.Register(u.opts.Pid, u.budget)
	if err != nil {
		return utils.WrapError(err, "register user")
	}
	u.slot = slot
	u.transitionState(StateInitializing, StateRegistered)
	u.log.Debug("Registered", utils.Int("slot", slot), utils.Int64("budget", u.budget))
	return nil
}

func (u *User) Slot() int {
	return u.slot
}

// Run trades until the failure budget is exhausted or a terminate event
// arrives, then publishes the final balance and marks the user dead.
func (u *User) Run(ctx context.Context) error {
	ctx, cancel := u.opts.Events.Watch(ctx, foundation.EventTerminate)
	defer cancel()

	if err := u.res.AwaitStart(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("start barrier: %w", err)
	}
	if !u.transitionState(StateRegistered, StateTrading) {
		return fmt.Errorf("user run in state %s", u.State())
	}

	err := u.trade(ctx)
	if ferr := u.finish(); ferr != nil && err == nil {
		err = ferr
	}
	u.setState(StateTerminated)
	return err
}

func (u *User) exhausted() bool {
	return u.consecutive >= uint32(u.res.Config.Retry)
}

func (u *User) trade(ctx context.Context) error {
	lo, hi := u.res.Config.GenDelayRange()
	for ctx.Err() == nil && !u.exhausted() {
		if u.opts.Events.Take(foundation.EventProduce) {
			u.log.Debug("Produce requested")
			if err := u.Attempt(); err != nil {
				return err
			}
			if u.exhausted() {
				break
			}
		}
		if err := u.Attempt(); err != nil {
			return err
		}
		sleep(ctx, u.opts.Clock, randomDuration(u.opts.Rand, lo, hi))
	}
	if u.exhausted() {
		u.log.Info("Retry budget exhausted", utils.Uint64("failed", uint64(u.failed)))
	}
	return nil
}

// Balance recomputes the available balance: budget plus the committed
// ledger delta minus every pending transaction. Committed transactions are
// retired from the pending list on the way so nothing counts twice.
func (u *User) Balance() (int64, error) {
	bal, err := u.res.Ledger.SnapshotBalance(u.opts.Pid, u.next, func(tx ledger.Transaction) {
		u.pending.Remove(tx)
	})
	if err != nil {
		return 0, err
	}
	u.committed += bal.Delta
	u.next = bal.Next
	return u.budget + u.committed - u.pending.Total(), nil
}

func (u *User) publish(balance int64) error {
	return u.res.Users.Publish(u.slot, balance, u.failed)
}

// Attempt runs one trading step. Capacity problems count as a failed
// attempt; only resource errors are returned.
func (u *User) Attempt() error {
	balance, err := u.Balance()
	if err != nil {
		return err
	}
	tx, err := u.send(balance)
	switch {
	case err == nil:
		u.consecutive = 0
		u.sent++
		balance -= tx.Cost()
	case errors.Is(err, foundation.ErrRemoved) || errors.Is(err, foundation.ErrCorrupted):
		return err
	default:
		u.consecutive++
		u.failed++
		u.log.Debug("Attempt failed", utils.Err(err), utils.Uint64("consecutive", uint64(u.consecutive)))
	}
	return u.publish(balance)
}

func (u *User) send(balance int64) (ledger.Transaction, error) {
	if balance < MinTransfer {
		return ledger.Transaction{}, errInsufficient
	}
	if u.pending.Full() {
		return ledger.Transaction{}, ErrPendingFull
	}
	receiver, err := u.pickReceiver()
	if err != nil {
		return ledger.Transaction{}, err
	}
	slot, err := u.pickNode()
	if err != nil {
		return ledger.Transaction{}, err
	}
	mb, err := u.res.Mailbox(slot)
	if err != nil {
		return ledger.Transaction{}, err
	}

	amount := MinTransfer + u.opts.Rand.Int64N(balance-MinTransfer+1)
	reward := RewardFor(amount, int64(u.res.Config.Reward))
	tx := ledger.Transaction{
		Timestamp: ledger.TimestampOf(u.opts.Clock.Now()),
		Sender:    u.opts.Pid,
		Receiver:  receiver,
		Quantity:  amount - reward,
		Reward:    reward,
	}
	payload, err := tx.MarshalBinary()
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := u.deliver(slot, mb, payload); err != nil {
		return ledger.Transaction{}, err
	}
	if err := u.pending.Add(tx); err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

// RewardFor is the node's cut of amount: pct percent, at least one unit and
// never the whole amount.
func RewardFor(amount, pct int64) int64 {
	reward := amount * pct / 100
	if reward < 1 {
		reward = 1
	}
	if reward > amount-1 {
		reward = amount - 1
	}
	return reward
}

func (u *User) pickReceiver() (int32, error) {
	users, err := u.res.Users.Snapshot()
	if err != nil {
		return 0, err
	}
	others := users[:0]
	for _, r := range users {
		if r.Pid != u.opts.Pid {
			others = append(others, r)
		}
	}
	if len(others) == 0 {
		return 0, errNoReceiver
	}
	for i := 0; i < receiverRetries; i++ {
		r := others[u.opts.Rand.IntN(len(others))]
		if r.Alive {
			return r.Pid, nil
		}
	}
	return 0, errNoReceiver
}

func (u *User) pickNode() (int, error) {
	if len(u.nodes) == 0 {
		recs, err := u.res.Nodes.Snapshot()
		if err != nil {
			return 0, err
		}
		for _, r := range recs {
			u.nodes = append(u.nodes, r.Slot)
		}
		if len(u.nodes) == 0 {
			return 0, errNoNode
		}
	}
	start := u.opts.Rand.IntN(len(u.nodes))
	for i := range u.nodes {
		slot := u.nodes[(start+i)%len(u.nodes)]
		if u.breaker(slot).State() != gobreaker.StateOpen {
			return slot, nil
		}
	}
	return u.nodes[start], nil
}

// deliver sends payload to the node in slot. The breaker only steers node
// choice; a call it rejects still goes to the mailbox.
func (u *User) deliver(slot int, mb *foundation.Mailbox, payload []byte) error {
	_, err := u.breaker(slot).Execute(func() (interface{}, error) {
		return nil, mb.TrySend(payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return mb.TrySend(payload)
	}
	return err
}

// breaker returns the circuit breaker guarding sends to the node in slot.
// It opens after a few consecutive full-mailbox failures so the user stops
// hammering a congested node.
func (u *User) breaker(slot int) *gobreaker.CircuitBreaker {
	if cb, ok := u.breakers[slot]; ok {
		return cb
	}
	_, hi := u.res.Config.GenDelayRange()
	cool := time.Duration(math.MaxInt64)
	if hi < cool/breakerCoolScale {
		cool = max(breakerCoolScale*hi, breakerMinCool)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("mailbox-%d", slot),
		MaxRequests: 1,
		Timeout:     cool,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrips
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, foundation.ErrMailboxFull)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			u.log.Debug("Breaker state change", utils.String("breaker", name),
				utils.String("from", from.String()), utils.String("to", to.String()))
		},
	})
	u.breakers[slot] = cb
	return cb
}

// finish publishes the final balance and marks the user dead.
func (u *User) finish() error {
	balance, err := u.Balance()
	if err != nil {
		return err
	}
	err = u.res.Users.Update(u.slot, func(r *ledger.UserRecord) {
		r.Budget = balance
		r.Failed = u.failed
		r.Alive = false
	})
	u.log.Debug("Finished", utils.Int64("balance", balance), utils.Int("pending", u.pending.Len()),
		utils.Uint64("sent", uint64(u.sent)))
	return err
}

// Pending exposes the in-flight transactions.
func (u *User) Pending() *PendingList {
	return u.pending
}

// Failed returns the total number of failed attempts.
func (u *User) Failed() uint32 {
	return u.failed
}
