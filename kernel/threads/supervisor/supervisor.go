// Package supervisor provisions a run, spawns its agents, watches them and
// drives the one global termination and teardown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"

	"github.com/nmxmxh/ledgersim/internal/config"
	"github.com/nmxmxh/ledgersim/internal/diag"
	"github.com/nmxmxh/ledgersim/kernel/threads/agent"
	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/ledger"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
	"github.com/nmxmxh/ledgersim/kernel/utils"
)

// State is the lifecycle state of the supervisor.
type State int32

const (
	StateBootstrapping State = iota
	StateSpawning
	StateRunning
	StateTerminating
	StateTornDown
)

var stateNames = map[State]string{
	StateBootstrapping: "BOOTSTRAPPING",
	StateSpawning:      "SPAWNING",
	StateRunning:       "RUNNING",
	StateTerminating:   "TERMINATING",
	StateTornDown:      "TORN_DOWN",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Reason is why a run ended.
type Reason int32

const (
	ReasonNone Reason = iota
	ReasonRegistryFull
	ReasonAlarm
	ReasonNoActiveUsers
	ReasonInterrupt
	ReasonSpawnFailure
	ReasonBootstrapFailure
)

var reasonNames = map[Reason]string{
	ReasonNone:             "none",
	ReasonRegistryFull:     "registry full",
	ReasonAlarm:            "simulation time elapsed",
	ReasonNoActiveUsers:    "no active users",
	ReasonInterrupt:        "interrupted",
	ReasonSpawnFailure:     "agent failed to start",
	ReasonBootstrapFailure: "bootstrap failed",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int32(r))
}

// ExitCode is the process status a run ending for r reports.
func (r Reason) ExitCode() int {
	switch r {
	case ReasonSpawnFailure, ReasonBootstrapFailure:
		return 1
	}
	return 0
}

// Options wires a supervisor to its environment.
type Options struct {
	Namespace sab.Namespace
	Config    config.Config
	Run       config.RunOptions
	Spawner   Spawner
	// Events receives RegistryFull and Interrupt from outside: OS signals
	// in the process build, the parent notifier of local agents.
	Events   *foundation.EventFlags
	Clock    clock.Clock
	Log      *utils.Logger
	Out      io.Writer
	Colorize bool
}

func (o *Options) defaults() {
	if o.Events == nil {
		o.Events = foundation.NewEventFlags()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Log == nil {
		o.Log = utils.DefaultLogger("supervisor")
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	def := config.DefaultRunOptions()
	if o.Run.StatsInterval <= 0 {
		o.Run.StatsInterval = def.StatsInterval
	}
	if o.Run.Grace <= 0 {
		o.Run.Grace = def.Grace
	}
}

// Result is the outcome of Run.
type Result struct {
	Reason   Reason
	ExitCode int
	Elapsed  time.Duration
	Final    diag.Snapshot
	Err      error
}

type Supervisor struct {
	state atomic.Int32

	opts     Options
	log      *utils.Logger
	clock    clock.Clock
	events   *foundation.EventFlags
	stats    *Stats
	reporter *diag.Reporter

	res     *ledger.Resources
	started time.Time

	mu       sync.Mutex
	handles  []ProcessHandle
	watchers sync.WaitGroup

	liveUsers   atomic.Int32
	earlyDeaths atomic.Int32
	terminating atomic.Bool
	reason      atomic.Int32

	teardownOnce sync.Once
	teardownErr  error
}

func New(opts Options) *Supervisor {
	opts.defaults()
	return &Supervisor{
		opts:     opts,
		log:      opts.Log,
		clock:    opts.Clock,
		events:   opts.Events,
		stats:    NewStats(),
		reporter: diag.NewReporter(opts.Out, opts.Run.TopN, opts.Colorize),
	}
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug("State", utils.String("state", st.String()))
}

func (s *Supervisor) transitionState(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.log.Debug("State", utils.String("state", to.String()))
	return true
}

// Reason returns the termination reason, ReasonNone while running.
func (s *Supervisor) Reason() Reason {
	return Reason(s.reason.Load())
}

// Stats exposes the metrics of the run.
func (s *Supervisor) Stats() *Stats {
	return s.stats
}

// Run executes one simulation end to end. Cancelling ctx is treated as an
// interrupt.
func (s *Supervisor) Run(ctx context.Context) Result {
	s.started = s.clock.Now()
	s.setState(StateBootstrapping)

	if err := s.bootstrap(); err != nil {
		s.log.Error("Bootstrap failed", utils.Err(err))
		s.Terminate(ReasonBootstrapFailure)
		return s.finish(err)
	}

	if !s.transitionState(StateBootstrapping, StateSpawning) {
		return s.finish(nil)
	}
	if err := s.spawnAll(ctx); err != nil {
		if ctx.Err() != nil {
			s.Terminate(ReasonInterrupt)
			return s.finish(nil)
		}
		s.log.Error("Spawning failed", utils.Err(err))
		s.Terminate(ReasonSpawnFailure)
		return s.finish(err)
	}
	if s.terminating.Load() {
		return s.finish(nil)
	}
	if reason := s.awaitStart(ctx); reason != ReasonNone {
		s.Terminate(reason)
		return s.finish(nil)
	}

	s.Terminate(s.loop(ctx))
	return s.finish(nil)
}

func (s *Supervisor) bootstrap() error {
	if err := s.opts.Config.Validate(); err != nil {
		return err
	}
	res, err := ledger.Provision(s.opts.Namespace, s.opts.Config, s.log)
	s.res = res
	if err != nil {
		return err
	}
	s.log.Info("Run provisioned",
		utils.String("namespace", s.opts.Namespace.String()),
		utils.Uint64("users", s.opts.Config.UsersNum),
		utils.Uint64("nodes", s.opts.Config.NodesNum),
		utils.Uint64("registry", s.opts.Config.RegistrySize))
	return nil
}

// spawnAll starts the nodes first so their mailboxes have a reader by the
// time users start trading.
func (s *Supervisor) spawnAll(ctx context.Context) error {
	parent := agent.NotifyFunc(func(ev foundation.Event) error {
		s.events.Raise(ev)
		return nil
	})
	cfg := s.opts.Config
	for i := 0; i < int(cfg.NodesNum) && !s.terminating.Load(); i++ {
		if err := s.spawn(ctx, agent.KindNode, i, parent); err != nil {
			return err
		}
	}
	for i := 0; i < int(cfg.UsersNum) && !s.terminating.Load(); i++ {
		if err := s.spawn(ctx, agent.KindUser, i, parent); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, kind agent.Kind, index int, parent agent.Notifier) error {
	h, err := s.opts.Spawner.Spawn(ctx, kind, index, parent)
	if err != nil {
		return err
	}
	if kind == agent.KindUser {
		s.liveUsers.Add(1)
	}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	late := s.terminating.Load()
	s.mu.Unlock()
	s.watchers.Add(1)
	go s.watch(h)

	// Termination began while this agent was starting and missed the
	// broadcast.
	if late {
		if err := h.Signal(foundation.EventTerminate); err != nil && !errors.Is(err, ErrExited) {
			s.log.Warn("Terminate signal failed", utils.Int32("pid", h.Pid()), utils.Err(err))
		}
	}
	return nil
}

// watch plays the child-death handler for one agent.
func (s *Supervisor) watch(h ProcessHandle) {
	defer s.watchers.Done()
	<-h.Done()
	early := !s.terminating.Load()
	if early {
		s.earlyDeaths.Add(1)
	}
	if h.Kind() == agent.KindUser {
		s.liveUsers.Add(-1)
	}
	fields := []utils.Field{
		utils.String("kind", h.Kind().String()),
		utils.Int32("pid", h.Pid()),
		utils.Bool("early", early),
	}
	if err := h.Err(); err != nil {
		s.log.Warn("Agent failed", append(fields, utils.Err(err))...)
	} else {
		s.log.Debug("Agent exited", fields...)
	}
	s.events.Raise(foundation.EventChildExit)
}

func (s *Supervisor) handleList() []ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProcessHandle(nil), s.handles...)
}

// awaitStart waits for the whole population to pass the start barrier. An
// agent exiting before that means it could not initialise.
func (s *Supervisor) awaitStart(ctx context.Context) Reason {
	wctx, cancel := s.events.Watch(ctx,
		foundation.EventChildExit|foundation.EventInterrupt|foundation.EventTerminate)
	defer cancel()

	err := s.res.Start.WaitZero(wctx, 0)
	if err == nil {
		return ReasonNone
	}
	if s.terminating.Load() {
		return s.Reason()
	}
	if v, verr := s.res.Start.Value(0); verr == nil && v == 0 {
		// Passed the barrier just before an early exit or interrupt.
		return ReasonNone
	}
	if s.events.Take(foundation.EventInterrupt) || ctx.Err() != nil {
		return ReasonInterrupt
	}
	if !errors.Is(err, context.Canceled) {
		s.log.Error("Start barrier failed", utils.Err(err))
	} else {
		s.log.Error("Agent exited before the run started")
	}
	return ReasonSpawnFailure
}

func (s *Supervisor) loop(ctx context.Context) Reason {
	wake, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	alarm := s.clock.Timer(s.opts.Config.SimDuration())
	defer alarm.Stop()
	ticker := s.clock.Ticker(s.opts.Run.StatsInterval)
	defer ticker.Stop()

	s.transitionState(StateSpawning, StateRunning)
	s.log.Info("Simulation started", utils.Duration("duration", s.opts.Config.SimDuration()))

	for {
		if reason := s.pendingReason(); reason != ReasonNone {
			return reason
		}
		select {
		case <-alarm.C:
			s.events.Raise(foundation.EventAlarm)
		case <-ticker.C:
			s.report()
		case <-wake:
		case <-ctx.Done():
			s.events.Raise(foundation.EventInterrupt)
		}
	}
}

// pendingReason consumes latched events in priority order.
func (s *Supervisor) pendingReason() Reason {
	if s.terminating.Load() {
		return s.Reason()
	}
	s.events.Take(foundation.EventChildExit)
	switch {
	case s.events.Take(foundation.EventRegistryFull):
		return ReasonRegistryFull
	case s.events.Take(foundation.EventAlarm):
		return ReasonAlarm
	case s.liveUsers.Load() <= 0:
		return ReasonNoActiveUsers
	case s.events.Take(foundation.EventInterrupt):
		return ReasonInterrupt
	}
	return ReasonNone
}

// Terminate latches reason and asks every live agent to stop. It reports
// false, doing nothing, when termination already began.
func (s *Supervisor) Terminate(reason Reason) bool {
	s.mu.Lock()
	if s.terminating.Load() {
		s.mu.Unlock()
		return false
	}
	s.reason.Store(int32(reason))
	s.terminating.Store(true)
	handles := append([]ProcessHandle(nil), s.handles...)
	s.mu.Unlock()

	s.setState(StateTerminating)
	s.log.Info("Terminating", utils.String("reason", reason.String()))
	s.events.Raise(foundation.EventTerminate)

	for _, h := range handles {
		if !h.Alive() {
			continue
		}
		if err := h.Signal(foundation.EventTerminate); err != nil && !errors.Is(err, ErrExited) {
			s.log.Warn("Terminate signal failed", utils.Int32("pid", h.Pid()), utils.Err(err))
		}
	}
	return true
}

// Poke asks the user with pid to produce one transaction right away. It is
// refused until the whole population passed the start barrier, before
// which an agent may not have its signal handlers installed yet.
func (s *Supervisor) Poke(pid int32) error {
	if st := s.State(); st != StateRunning {
		return fmt.Errorf("%w: supervisor is %s", ErrNotRunning, st)
	}
	for _, h := range s.handleList() {
		if h.Pid() != pid {
			continue
		}
		if h.Kind() != agent.KindUser {
			return fmt.Errorf("pid %d is a %s", pid, h.Kind())
		}
		return h.Signal(foundation.EventProduce)
	}
	return fmt.Errorf("no agent with pid %d", pid)
}

// awaitChildren waits for every agent to exit, killing whatever is left
// once the grace period expires. It reports whether anything was killed.
func (s *Supervisor) awaitChildren() (killed bool) {
	defer s.watchers.Wait()
	handles := s.handleList()
	if len(handles) == 0 {
		return false
	}
	grace := s.clock.Timer(s.opts.Run.Grace)
	defer grace.Stop()

	for i, h := range handles {
		select {
		case <-h.Done():
			continue
		case <-grace.C:
		}
		s.log.Warn("Grace period expired, killing agents", utils.Duration("grace", s.opts.Run.Grace))
		for _, rest := range handles[i:] {
			if err := rest.Kill(); err != nil {
				s.log.Warn("Kill failed", utils.Int32("pid", rest.Pid()), utils.Err(err))
			}
		}
		for _, rest := range handles[i:] {
			<-rest.Done()
		}
		return true
	}
	return false
}

func (s *Supervisor) finish(runErr error) Result {
	killed := s.awaitChildren()

	reason := s.Reason()
	result := Result{Reason: reason, ExitCode: reason.ExitCode(), Err: runErr}

	complete := s.res != nil && s.res.Ledger != nil && s.res.Users != nil && s.res.Nodes != nil
	if complete && killed {
		// A killed agent may have died inside a critical section.
		if err := s.res.RecoverLocks(); err != nil {
			s.log.Warn("Lock recovery failed, skipping final snapshot", utils.Err(err))
			complete = false
		}
	}
	if complete {
		snap, err := s.snapshot(reason)
		if err != nil {
			s.log.Warn("Final snapshot failed", utils.Err(err))
		} else {
			result.Final = snap
			s.stats.Observe(snap)
			s.reporter.Final(snap)
			s.persist(snap)
		}
	}

	if err := s.Teardown(); err != nil {
		s.log.Error("Teardown failed", utils.Err(err))
		result.ExitCode = 1
		if result.Err == nil {
			result.Err = err
		}
	}
	result.Elapsed = s.clock.Since(s.started)
	s.log.Info("Run finished",
		utils.String("reason", reason.String()),
		utils.String("elapsed", diag.FormatElapsed(result.Elapsed)),
		utils.Int("exit_code", result.ExitCode))
	return result
}

// Teardown releases every resource of the run. It is safe from any
// partially provisioned state and only acts once.
func (s *Supervisor) Teardown() error {
	s.teardownOnce.Do(func() {
		if s.res != nil {
			s.teardownErr = s.res.Teardown(context.Background())
		}
		s.setState(StateTornDown)
	})
	return s.teardownErr
}

func (s *Supervisor) persist(snap diag.Snapshot) {
	dir := s.opts.Run.OutputDir
	if dir == "" {
		return
	}
	blocks, err := s.res.Ledger.Blocks(0)
	if err != nil {
		s.log.Warn("Ledger snapshot failed", utils.Err(err))
		return
	}
	if path, err := diag.DumpLedger(dir, blocks, s.opts.Run.Compress); err != nil {
		s.log.Warn("Ledger dump failed", utils.Err(err))
	} else {
		s.log.Info("Ledger written", utils.String("path", path), utils.Int("blocks", len(blocks)))
	}
	if path, err := diag.DumpMetrics(dir, s.stats.Gatherer()); err != nil {
		s.log.Warn("Metrics dump failed", utils.Err(err))
	} else {
		s.log.Debug("Metrics written", utils.String("path", path))
	}
}

func (s *Supervisor) report() {
	snap, err := s.snapshot(ReasonNone)
	if err != nil {
		s.log.Warn("Statistics snapshot failed", utils.Err(err))
		return
	}
	s.stats.Observe(snap)
	s.reporter.Periodic(snap)
}

// snapshot reads the tables and ledger, each under its own read lock.
func (s *Supervisor) snapshot(reason Reason) (diag.Snapshot, error) {
	snap := diag.Snapshot{
		Elapsed:     s.clock.Since(s.started),
		Capacity:    s.res.Ledger.Capacity(),
		EarlyDeaths: int(s.earlyDeaths.Load()),
	}
	if reason != ReasonNone {
		snap.Reason = reason.String()
	}
	var err error
	if snap.Blocks, err = s.res.Ledger.Count(); err != nil {
		return snap, err
	}
	if snap.Users, err = s.res.Users.Snapshot(); err != nil {
		return snap, err
	}
	if snap.Nodes, err = s.res.Nodes.Snapshot(); err != nil {
		return snap, err
	}
	for slot := range s.res.MailboxNames() {
		mb, err := s.res.Mailbox(slot)
		if err != nil {
			return snap, err
		}
		snap.Mailboxes = append(snap.Mailboxes, mb.Stats())
	}
	return snap, nil
}
