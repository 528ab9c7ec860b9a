package foundation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestEventFlags_RaiseTake(t *testing.T) {
	f := NewEventFlags()
	assert.False(t, f.Pending(EventTerminate))

	f.Raise(EventProduce)
	f.Raise(EventProduce)
	assert.True(t, f.Pending(EventProduce|EventTerminate))
	assert.True(t, f.Take(EventProduce))
	assert.False(t, f.Take(EventProduce), "events latch once")
}

func TestEventFlags_WaitWakesOnRaise(t *testing.T) {
	f := NewEventFlags()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Raise(EventAlarm)
	}()
	assert.True(t, f.Wait(EventAlarm|EventInterrupt, time.Second))
	assert.False(t, f.Wait(EventTerminate, 10*time.Millisecond))
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "none", Event(0).String())
	assert.Equal(t, "terminate|alarm", (EventTerminate | EventAlarm).String())
	ev, ok := ParseEvent("registry-full")
	assert.True(t, ok)
	assert.Equal(t, EventRegistryFull, ev)
}

func TestSignalMapping(t *testing.T) {
	sig, ok := SignalFor(EventTerminate)
	assert.True(t, ok)
	assert.Equal(t, unix.SIGUSR2, sig)

	ev, ok := AgentEventFor(unix.SIGTERM)
	assert.True(t, ok)
	assert.Equal(t, EventTerminate, ev)

	ev, ok = SupervisorEventFor(unix.SIGUSR1)
	assert.True(t, ok)
	assert.Equal(t, EventRegistryFull, ev)

	_, ok = SignalFor(EventAlarm)
	assert.False(t, ok)
}

func TestForwardSignals(t *testing.T) {
	flags := NewEventFlags()
	stop := ForwardSignals(flags, SupervisorEventFor, unix.SIGUSR1)
	defer stop()

	assert.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))
	assert.True(t, flags.Wait(EventRegistryFull, 2*time.Second))
	assert.False(t, flags.Pending(EventInterrupt))
}

func TestEventFlags_Watch(t *testing.T) {
	f := NewEventFlags()
	ctx, cancel := f.Watch(context.Background(), EventTerminate)
	defer cancel()

	f.Raise(EventProduce)
	select {
	case <-ctx.Done():
		t.Fatal("unrelated event cancelled the watch")
	case <-time.After(20 * time.Millisecond):
	}

	f.Raise(EventTerminate)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("terminate did not cancel the watch")
	}
	assert.True(t, f.Pending(EventTerminate), "watching does not consume the event")
}

func TestEventFlags_Subscribe(t *testing.T) {
	f := NewEventFlags()
	ch, stop := f.Subscribe()
	defer stop()

	f.Raise(EventChildExit)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified")
	}
	assert.True(t, f.Take(EventChildExit))
}
