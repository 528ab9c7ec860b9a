package foundation

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signals used between processes of a run.
//
//	supervisor -> agent   SIGUSR2  terminate
//	supervisor -> user    SIGUSR1  produce one extra transaction
//	node -> supervisor    SIGUSR1  registry full
//	terminal -> anyone    SIGINT, SIGTERM
var (
	AgentSignals      = []os.Signal{unix.SIGUSR1, unix.SIGUSR2, unix.SIGINT, unix.SIGTERM}
	SupervisorSignals = []os.Signal{unix.SIGUSR1, unix.SIGINT, unix.SIGTERM}
)

// SignalFor returns the OS signal that carries ev to another process.
func SignalFor(ev Event) (syscall.Signal, bool) {
	switch ev {
	case EventTerminate:
		return unix.SIGUSR2, true
	case EventProduce, EventRegistryFull:
		return unix.SIGUSR1, true
	case EventInterrupt:
		return unix.SIGINT, true
	}
	return 0, false
}

// AgentEventFor maps a signal received by a user or node process.
func AgentEventFor(sig os.Signal) (Event, bool) {
	switch sig {
	case unix.SIGUSR2, unix.SIGINT, unix.SIGTERM:
		return EventTerminate, true
	case unix.SIGUSR1:
		return EventProduce, true
	}
	return 0, false
}

// SupervisorEventFor maps a signal received by the supervisor process.
func SupervisorEventFor(sig os.Signal) (Event, bool) {
	switch sig {
	case unix.SIGUSR1:
		return EventRegistryFull, true
	case unix.SIGINT, unix.SIGTERM:
		return EventInterrupt, true
	}
	return 0, false
}

// ForwardSignals raises on flags the event mapped from every delivered
// signal in sigs. Call stop to restore default handling.
func ForwardSignals(flags *EventFlags, mapping func(os.Signal) (Event, bool), sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 8)
	done := make(chan struct{})
	signal.Notify(ch, sigs...)
	go func() {
		for {
			select {
			case sig := <-ch:
				if ev, ok := mapping(sig); ok {
					flags.Raise(ev)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
