package agent

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
)

// Notifier delivers an event to the supervisor.
type Notifier interface {
	Notify(ev foundation.Event) error
}

// NotifyFunc adapts a function to Notifier.
type NotifyFunc func(ev foundation.Event) error

func (f NotifyFunc) Notify(ev foundation.Event) error {
	return f(ev)
}

// ProcessNotifier signals another process.
type ProcessNotifier struct {
	Pid int
}

// ParentNotifier signals the process that spawned this one.
func ParentNotifier() ProcessNotifier {
	return ProcessNotifier{Pid: os.Getppid()}
}

func (p ProcessNotifier) Notify(ev foundation.Event) error {
	sig, ok := foundation.SignalFor(ev)
	if !ok {
		return fmt.Errorf("event %s has no signal", ev)
	}
	if err := unix.Kill(p.Pid, sig); err != nil {
		return fmt.Errorf("signal %s to pid %d: %w", ev, p.Pid, err)
	}
	return nil
}
