package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/nmxmxh/ledgersim/kernel/threads/agent"
	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/utils"
)

// ExecSpawner re-executes Binary as "agent --kind K --index I --run-dir D".
// Children signal their parent directly, so the parent notifier is unused.
type ExecSpawner struct {
	Binary string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	Log    *utils.Logger
}

// NewExecSpawner spawns the running executable into the run directory dir.
func NewExecSpawner(dir string, log *utils.Logger) (*ExecSpawner, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	if log == nil {
		log = utils.NopLogger()
	}
	return &ExecSpawner{Binary: bin, Dir: dir, Stdout: os.Stdout, Stderr: os.Stderr, Log: log}, nil
}

func (s *ExecSpawner) Spawn(ctx context.Context, kind agent.Kind, index int, _ agent.Notifier) (ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(s.Binary, "agent",
		"--kind", kind.String(),
		"--index", strconv.Itoa(index),
		"--run-dir", s.Dir)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	// A terminal interrupt reaches the supervisor only; children are told
	// to stop through the terminate signal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s %d: %w", kind, index, err)
	}
	h := &execHandle{cmd: cmd, kind: kind, done: make(chan struct{})}
	go h.wait()
	if s.Log != nil {
		s.Log.Debug("Spawned", utils.String("kind", kind.String()), utils.Int("pid", cmd.Process.Pid))
	}
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	kind agent.Kind

	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *execHandle) Pid() int32            { return int32(h.cmd.Process.Pid) }
func (h *execHandle) Kind() agent.Kind      { return h.kind }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *execHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *execHandle) Alive() bool {
	if h.exited() {
		return false
	}
	return unix.Kill(h.cmd.Process.Pid, 0) == nil
}

func (h *execHandle) Signal(ev foundation.Event) error {
	sig, ok := foundation.SignalFor(ev)
	if !ok {
		return fmt.Errorf("event %s has no signal", ev)
	}
	if h.exited() {
		return ErrExited
	}
	if err := unix.Kill(h.cmd.Process.Pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrExited
		}
		return fmt.Errorf("signal %s to pid %d: %w", ev, h.cmd.Process.Pid, err)
	}
	return nil
}

func (h *execHandle) Kill() error {
	if h.exited() {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
