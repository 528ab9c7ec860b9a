package agent

import "sync/atomic"

// State is the lifecycle state of an agent.
type State int32

const (
	StateInitializing State = iota
	StateRegistered
	StateProcessing
	StateTrading
	StateDraining
	StateTerminated
)

var stateNames = map[State]string{
	StateInitializing: "INITIALIZING",
	StateRegistered:   "REGISTERED",
	StateProcessing:   "PROCESSING",
	StateTrading:      "TRADING",
	StateDraining:     "DRAINING",
	StateTerminated:   "TERMINATED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

type lifecycle struct {
	state atomic.Int32
}

func (l *lifecycle) transitionState(from, to State) bool {
	return l.state.CompareAndSwap(int32(from), int32(to))
}

func (l *lifecycle) setState(s State) {
	l.state.Store(int32(s))
}

// State returns the current lifecycle state.
func (l *lifecycle) State() State {
	return State(l.state.Load())
}
