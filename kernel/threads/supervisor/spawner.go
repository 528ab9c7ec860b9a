package supervisor

import (
	"context"
	"errors"

	"github.com/nmxmxh/ledgersim/kernel/threads/agent"
	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
)

var (
	// ErrExited is returned when signalling a child that already exited.
	ErrExited = errors.New("process exited")
	// ErrNotRunning is returned for requests that need a started run.
	ErrNotRunning = errors.New("run not started")
)

// ProcessHandle is the supervisor's view of one spawned agent.
type ProcessHandle interface {
	Pid() int32
	Kind() agent.Kind
	// Signal delivers ev to the agent.
	Signal(ev foundation.Event) error
	// Alive probes the agent without disturbing it.
	Alive() bool
	// Done is closed once the agent exited; Err then holds its outcome.
	Done() <-chan struct{}
	Err() error
	Kill() error
}

// Spawner starts agents. Index is the spawn order within the kind; agents
// never rely on it for their slot. Parent receives the notifications an
// agent sends back to the supervisor when the spawner has no OS route for
// them.
type Spawner interface {
	Spawn(ctx context.Context, kind agent.Kind, index int, parent agent.Notifier) (ProcessHandle, error)
}
