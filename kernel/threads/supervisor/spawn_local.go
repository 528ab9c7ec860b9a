package supervisor

import (
	"context"
	"sync"

	"github.com/raulk/clock"

	"github.com/nmxmxh/ledgersim/kernel/threads/agent"
	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
	"github.com/nmxmxh/ledgersim/kernel/utils"
)

// Pids handed out by LocalSpawner. They never collide with each other and
// are never signalled through the OS.
const (
	LocalUserPidBase = 10000
	LocalNodePidBase = 20000
)

// LocalSpawner runs agents as goroutines of the current process. Every
// agent still attaches to the run through the namespace and only talks to
// the others through shared regions, exactly like a spawned process.
type LocalSpawner struct {
	Namespace sab.Namespace
	Clock     clock.Clock
	Log       *utils.Logger

	mu      sync.Mutex
	handles []*LocalHandle
}

func NewLocalSpawner(ns sab.Namespace, log *utils.Logger) *LocalSpawner {
	if log == nil {
		log = utils.NopLogger()
	}
	return &LocalSpawner{Namespace: ns, Log: log}
}

func (s *LocalSpawner) Spawn(ctx context.Context, kind agent.Kind, index int, parent agent.Notifier) (ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pid := int32(LocalUserPidBase + index)
	if kind == agent.KindNode {
		pid = int32(LocalNodePidBase + index)
	}

	// Agents outlive the spawning context; they stop on Terminate or Kill.
	runCtx, cancel := context.WithCancel(context.Background())
	h := &LocalHandle{
		pid:     pid,
		kind:    kind,
		events:  foundation.NewEventFlags(),
		cancel:  cancel,
		done:    make(chan struct{}),
		signals: make(map[foundation.Event]int),
	}
	opts := agent.Options{
		Kind:      kind,
		Pid:       pid,
		Namespace: s.Namespace,
		Events:    h.events,
		Notifier:  parent,
		Clock:     s.Clock,
		Log:       s.Log,
	}
	go func() {
		defer close(h.done)
		err := agent.Run(runCtx, opts)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h, nil
}

// Handles lists every agent spawned so far, in spawn order.
func (s *LocalSpawner) Handles() []*LocalHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*LocalHandle(nil), s.handles...)
}

// LocalHandle is a goroutine agent.
type LocalHandle struct {
	pid    int32
	kind   agent.Kind
	events *foundation.EventFlags
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	err     error
	signals map[foundation.Event]int
}

func (h *LocalHandle) Pid() int32            { return h.pid }
func (h *LocalHandle) Kind() agent.Kind      { return h.kind }
func (h *LocalHandle) Done() <-chan struct{} { return h.done }

func (h *LocalHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *LocalHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *LocalHandle) Signal(ev foundation.Event) error {
	if !h.Alive() {
		return ErrExited
	}
	h.mu.Lock()
	h.signals[ev]++
	h.mu.Unlock()
	h.events.Raise(ev)
	return nil
}

// Signals counts how many times ev was delivered.
func (h *LocalHandle) Signals(ev foundation.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signals[ev]
}

func (h *LocalHandle) Kill() error {
	h.cancel()
	return nil
}
