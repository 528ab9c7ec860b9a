package foundation

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an asynchronous notification delivered to an agent or the
// supervisor. Events are latched in EventFlags and consumed at well defined
// points of the owner's loop, never in the middle of a critical section.
type Event uint32

const (
	EventTerminate Event = 1 << iota
	EventProduce
	EventRegistryFull
	EventInterrupt
	EventAlarm
	EventChildExit
)

var eventNames = []struct {
	ev   Event
	name string
}{
	{EventTerminate, "terminate"},
	{EventProduce, "produce"},
	{EventRegistryFull, "registry-full"},
	{EventInterrupt, "interrupt"},
	{EventAlarm, "alarm"},
	{EventChildExit, "child-exit"},
}

func (e Event) String() string {
	var parts []string
	for _, n := range eventNames {
		if e&n.ev != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseEvent maps a single event name back to its value.
func ParseEvent(name string) (Event, bool) {
	for _, n := range eventNames {
		if n.name == name {
			return n.ev, true
		}
	}
	return 0, false
}

// EventFlags is a latched set of pending events with wakeup channels for
// goroutines that park until something is raised.
type EventFlags struct {
	bits atomic.Uint32

	waitersMu sync.Mutex
	waiters   []chan struct{}
}

func NewEventFlags() *EventFlags {
	return &EventFlags{}
}

// Raise latches ev and wakes all waiters. Raising an already pending event
// is a no-op apart from the wakeup.
func (f *EventFlags) Raise(ev Event) {
	f.bits.Or(uint32(ev))
	f.notifyWaiters()
}

// Pending reports whether any of ev is latched, without consuming it.
func (f *EventFlags) Pending(ev Event) bool {
	return f.bits.Load()&uint32(ev) != 0
}

// Take consumes ev and reports whether it was pending.
func (f *EventFlags) Take(ev Event) bool {
	old := f.bits.And(^uint32(ev))
	return old&uint32(ev) != 0
}

// Wait parks until any of ev is pending or the timeout expires. A zero
// timeout waits forever.
func (f *EventFlags) Wait(ev Event, timeout time.Duration) bool {
	if f.Pending(ev) {
		return true
	}
	ch := make(chan struct{}, 1)
	f.addWaiter(ch)
	defer f.removeWaiter(ch)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		if f.Pending(ev) {
			return true
		}
		select {
		case <-ch:
		case <-expired:
			return f.Pending(ev)
		}
	}
}

// Subscribe returns a channel that receives a token whenever any event is
// raised. The returned function unsubscribes.
func (f *EventFlags) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	f.addWaiter(ch)
	return ch, func() { f.removeWaiter(ch) }
}

// Watch returns a context that is cancelled when parent ends or any of ev
// is raised. Blocking receives use it so a terminate request interrupts
// them, while every other event leaves them running.
func (f *EventFlags) Watch(parent context.Context, ev Event) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan struct{}, 1)
	f.addWaiter(ch)
	go func() {
		defer f.removeWaiter(ch)
		for !f.Pending(ev) {
			select {
			case <-ch:
			case <-ctx.Done():
				return
			}
		}
		cancel()
	}()
	return ctx, cancel
}

func (f *EventFlags) addWaiter(ch chan struct{}) {
	f.waitersMu.Lock()
	defer f.waitersMu.Unlock()
	f.waiters = append(f.waiters, ch)
}

func (f *EventFlags) removeWaiter(ch chan struct{}) {
	f.waitersMu.Lock()
	defer f.waitersMu.Unlock()
	for i, waiter := range f.waiters {
		if waiter == ch {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			break
		}
	}
}

func (f *EventFlags) notifyWaiters() {
	f.waitersMu.Lock()
	defer f.waitersMu.Unlock()
	for _, ch := range f.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
