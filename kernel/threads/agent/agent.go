// Package agent implements the user and node processes of a run.
package agent

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/raulk/clock"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/ledger"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
	"github.com/nmxmxh/ledgersim/kernel/utils"
)

// Kind selects the agent a process runs.
type Kind int

const (
	KindNode Kind = iota
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindUser:
		return "user"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "node":
		return KindNode, nil
	case "user":
		return KindUser, nil
	}
	return 0, fmt.Errorf("unknown agent kind %q", s)
}

// Role is the region owner the kind attaches as.
func (k Kind) Role() sab.RegionOwner {
	if k == KindNode {
		return sab.RegionOwnerNode
	}
	return sab.RegionOwnerUser
}

// Agent is the part of a node or user the runner drives.
type Agent interface {
	Init() error
	Run(ctx context.Context) error
	State() State
}

// Options wires an agent to its run.
type Options struct {
	Kind      Kind
	Pid       int32
	Namespace sab.Namespace
	Events    *foundation.EventFlags
	Notifier  Notifier
	Clock     clock.Clock
	Rand      *rand.Rand
	Log       *utils.Logger
}

func (o *Options) defaults() {
	if o.Events == nil {
		o.Events = foundation.NewEventFlags()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewPCG(uint64(o.Pid), uint64(time.Now().UnixNano())))
	}
	if o.Log == nil {
		o.Log = utils.DefaultLogger("")
	}
	o.Log = o.Log.Named(fmt.Sprintf("%s[%d]", o.Kind, o.Pid))
	if o.Notifier == nil {
		o.Notifier = NotifyFunc(func(foundation.Event) error { return nil })
	}
}

// Run attaches to the run, registers the agent, runs it until it
// terminates and detaches. Any error is fatal for the agent.
func Run(ctx context.Context, opts Options) error {
	opts.defaults()

	res, err := ledger.Attach(opts.Namespace, opts.Kind.Role(), opts.Log)
	defer func() {
		if derr := res.Detach(context.Background()); derr != nil {
			opts.Log.Warn("Detach failed", utils.Err(derr))
		}
	}()
	if err != nil {
		opts.Log.Error("Attach failed", utils.Err(err))
		return err
	}

	var a Agent
	switch opts.Kind {
	case KindNode:
		a = NewNode(res, opts)
	case KindUser:
		a = NewUser(res, opts)
	default:
		return fmt.Errorf("unknown agent kind %v", opts.Kind)
	}
	if err := a.Init(); err != nil {
		opts.Log.Error("Init failed", utils.Err(err))
		return err
	}
	return a.Run(ctx)
}

// randomDuration picks a duration uniformly in [lo, hi].
func randomDuration(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int64N(int64(hi-lo)+1))
}

// sleep waits d on clk or until ctx ends.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-clk.After(d):
	case <-ctx.Done():
	}
}
