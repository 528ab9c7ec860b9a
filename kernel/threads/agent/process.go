package agent

import (
	"context"
	"os"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
	"github.com/nmxmxh/ledgersim/kernel/utils"
)

// RunProcess is the main loop of an agent process spawned by the
// supervisor. Signals only raise events; the agent consumes them at its
// own cooperative points. It returns the process exit code.
func RunProcess(kind Kind, dir string, log *utils.Logger) int {
	events := foundation.NewEventFlags()
	stop := foundation.ForwardSignals(events, foundation.AgentEventFor, foundation.AgentSignals...)
	defer stop()

	ns, err := sab.OpenFileNamespace(dir)
	if err != nil {
		log.Error("Cannot open run namespace", utils.String("dir", dir), utils.Err(err))
		return 1
	}

	err = Run(context.Background(), Options{
		Kind:      kind,
		Pid:       int32(os.Getpid()),
		Namespace: ns,
		Events:    events,
		Notifier:  ParentNotifier(),
		Log:       log,
	})
	if err != nil {
		return 1
	}
	return 0
}
