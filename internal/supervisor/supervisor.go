// Package supervisor owns the lifecycle of the worker process.
//
// It reacts to debounced change notifications and to worker events, and on
// every worker exit picks exactly one of: respawn, propagate the worker's
// exit code, or do nothing because the process is shutting down. The choice
// is made from two flags held on the Supervisor:
//
//   - killed: the supervisor terminated the worker itself to restart it
//   - exitDueToSelf: the worker reported a fatal error before dying
//
// Everything runs on the goroutine that called Run, so handlers never
// overlap.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pock-dev/pock/internal/config"
	"github.com/pock-dev/pock/internal/errors"
	"github.com/pock-dev/pock/internal/ipc"
	"github.com/pock-dev/pock/internal/logging"
	"github.com/pock-dev/pock/internal/shutdown"
)

// State is the supervisor's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStoppingForRestart
	StateStoppingForShutdown
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStoppingForRestart:
		return "stopping-for-restart"
	case StateStoppingForShutdown:
		return "stopping-for-shutdown"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Event is something that happened to a worker. Exactly one of Message and
// Exited is set. A worker delivers every message it sent before its exit
// event, and exactly one exit event.
type Event struct {
	Message  *ipc.Message
	Exited   bool
	ExitCode int
	Err      error
}

// Worker is a running worker process.
type Worker interface {
	ID() string
	PID() int
	Send(msg ipc.Message) error
	Terminate() error
	Events() <-chan Event
}

// Spawner starts worker processes in a working directory.
type Spawner interface {
	Spawn(cwd string) (Worker, error)
}

// Registry is the teardown record the supervisor keeps informed. It is never
// consulted for lifecycle decisions except Cleaned.
type Registry interface {
	TrackWorker(w shutdown.Terminator)
	SetWorkerAlive(alive bool)
	ReleaseWorker()
	Cleaned() bool
}

// ChangeSource delivers the bootstrap signal and debounced changes.
type ChangeSource interface {
	Ready() <-chan struct{}
	Changes() <-chan struct{}
	Errors() <-chan error
}

// Config is what every spawned worker is started with.
type Config struct {
	Options config.ServerOptions
	Cwd     string
	// ReadyTimeout terminates a worker that has not reported READY in time
	// and starts a new one. Zero waits forever.
	ReadyTimeout time.Duration
}

// Result describes how Run ended without error.
type Result struct {
	// ExitCode is the code reported by a worker that sent FATAL.
	ExitCode int
	// Shutdown is set when Run ended because of a shutdown.
	Shutdown bool
}

// Supervisor drives one worker at a time.
//
// Invariants:
// - at most one worker exists; current is nil in Idle and Exited only
// - a new worker is spawned only after the previous one's exit event
// - killed is only set while a worker exists and is being terminated
type Supervisor struct {
	cfg      Config
	spawner  Spawner
	registry Registry
	logger   logging.Logger

	mu    sync.Mutex
	state State

	current       Worker
	killed        bool
	exitDueToSelf bool
	spawns        int
	readyTimer    *time.Timer
}

// New creates a supervisor. Nothing is spawned until Run observes the
// source's ready signal.
func New(cfg Config, spawner Spawner, registry Registry, logger logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Supervisor{
		cfg:      cfg,
		spawner:  spawner,
		registry: registry,
		logger:   logger.WithComponent("supervisor"),
		state:    StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Spawns returns how many workers have been started.
func (s *Supervisor) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Run supervises until a worker reports a fatal error, ctx is cancelled and
// the last worker has exited, or something fails that cannot be recovered
// from (a spawn or watcher failure).
func (s *Supervisor) Run(ctx context.Context, source ChangeSource) (Result, error) {
	defer s.stopReadyTimer()

	ready := source.Ready()
	var changes <-chan struct{}
	watchErrs := source.Errors()
	done := ctx.Done()

	for {
		var events <-chan Event
		if s.current != nil {
			events = s.current.Events()
		}
		var readyTimeout <-chan time.Time
		if s.readyTimer != nil {
			readyTimeout = s.readyTimer.C
		}

		select {
		case <-ready:
			// Changes are only meaningful once the first worker is on its way.
			ready = nil
			changes = source.Changes()
			if err := s.restart(ctx); err != nil {
				return Result{}, err
			}

		case <-changes:
			if err := s.restart(ctx); err != nil {
				return Result{}, err
			}

		case err := <-watchErrs:
			s.setState(StateExited)
			if !errors.IsWatcherError(err) {
				err = errors.NewWatcherError(errors.CodeWatcherFailure, "file watcher failed", err)
			}
			return Result{}, err

		case ev, ok := <-events:
			if !ok {
				ev = Event{Exited: true, ExitCode: -1}
			}
			result, finished, err := s.handleEvent(ctx, ev)
			if err != nil || finished {
				return result, err
			}

		case <-readyTimeout:
			s.readyTimer = nil
			s.onReadyTimeout(ctx)

		case <-done:
			done = nil
			if s.beginShutdown(ctx) {
				return Result{Shutdown: true}, nil
			}
		}
	}
}

// restart handles one debounced restart request.
func (s *Supervisor) restart(ctx context.Context) error {
	switch s.State() {
	case StateIdle:
		return s.spawn(ctx)
	case StateStarting, StateRunning:
		s.terminateForRestart(ctx)
	case StateStoppingForRestart:
		// The pending kill already covers this request.
		s.logger.Debug(ctx, "Restart already pending")
	}
	return nil
}

func (s *Supervisor) terminateForRestart(ctx context.Context) {
	s.stopReadyTimer()
	s.killed = true
	s.setState(StateStoppingForRestart)

	w := s.current
	if err := w.Terminate(); err != nil {
		s.logger.Warn(ctx, err, "Failed to terminate worker", "worker_id", w.ID(), "pid", w.PID())
	}
}

func (s *Supervisor) spawn(ctx context.Context) error {
	s.mu.Lock()
	first := s.spawns == 0
	s.spawns++
	s.mu.Unlock()

	if first {
		s.logger.Info(ctx, "Starting server...")
	} else {
		s.logger.Info(ctx, "Restarting server...")
	}

	w, err := s.spawner.Spawn(s.cfg.Cwd)
	if err != nil {
		s.setState(StateExited)
		return errors.NewWorkerError(errors.CodeSpawnFailed, "failed to spawn worker", err).
			WithComponent("supervisor")
	}

	s.current = w
	s.registry.TrackWorker(w)
	s.setState(StateStarting)
	s.startReadyTimer()

	s.logger.Debug(ctx, "Worker spawned", "worker_id", w.ID(), "pid", w.PID())
	return nil
}

func (s *Supervisor) handleEvent(ctx context.Context, ev Event) (Result, bool, error) {
	if ev.Exited {
		return s.onExit(ctx, ev)
	}
	if ev.Message == nil {
		return Result{}, false, nil
	}

	switch ev.Message.Kind {
	case ipc.KindReady:
		s.onReady(ctx)
	case ipc.KindFatal:
		s.exitDueToSelf = true
		s.logger.Debug(ctx, "Worker reported a fatal error", "reason", ev.Message.Reason)
	default:
		s.logger.Warn(ctx, nil, "Unexpected message from worker", "kind", string(ev.Message.Kind))
	}
	return Result{}, false, nil
}

func (s *Supervisor) onReady(ctx context.Context) {
	// A worker being stopped gets no configuration.
	if s.State() != StateStarting {
		return
	}
	s.stopReadyTimer()

	w := s.current
	s.registry.SetWorkerAlive(true)
	s.setState(StateRunning)

	if err := w.Send(ipc.Start(s.cfg.Options, s.cfg.Cwd)); err != nil {
		// The worker is on its way out; its exit event decides what happens.
		s.logger.Warn(ctx, err, "Failed to send start message", "worker_id", w.ID())
		return
	}
	s.logger.Debug(ctx, "Worker ready", "worker_id", w.ID(), "pid", w.PID())
}

func (s *Supervisor) onExit(ctx context.Context, ev Event) (Result, bool, error) {
	s.stopReadyTimer()

	var id string
	if s.current != nil {
		id = s.current.ID()
	}
	s.current = nil
	s.registry.ReleaseWorker()

	killed, self := s.killed, s.exitDueToSelf
	s.killed, s.exitDueToSelf = false, false
	shuttingDown := s.State() == StateStoppingForShutdown || s.registry.Cleaned()

	s.logger.Debug(ctx, "Worker exited", "worker_id", id, "exit_code", ev.ExitCode,
		"killed", killed, "fatal", self, "shutting_down", shuttingDown)

	switch decideExit(killed, self, shuttingDown) {
	case exitRespawn:
		if !killed {
			s.logger.Warn(ctx, errors.NewWorkerError(errors.CodeWorkerCrashed,
				fmt.Sprintf("worker exited with code %d", ev.ExitCode), ev.Err), "Child process crashed.")
		}
		return Result{}, false, s.spawn(ctx)

	case exitPropagate:
		code := ev.ExitCode
		if code < 0 {
			code = 1
		}
		s.setState(StateExited)
		s.logger.Error(ctx, errors.NewWorkerError(errors.CodeWorkerFatal,
			fmt.Sprintf("worker exited with code %d", code), ev.Err), "Server stopped after a fatal error.")
		return Result{ExitCode: code}, true, nil

	default:
		s.setState(StateExited)
		return Result{Shutdown: true}, true, nil
	}
}

type exitAction int

const (
	exitRespawn exitAction = iota
	exitPropagate
	exitNone
)

// decideExit maps the flags observed at a worker exit to the one action
// taken for it. A requested kill respawns unless shutdown has begun; a
// reported fatal error ends supervision with the worker's code; an exit
// during shutdown is expected; anything else is a crash and respawns.
func decideExit(killed, self, shuttingDown bool) exitAction {
	switch {
	case killed && shuttingDown:
		return exitNone
	case killed:
		return exitRespawn
	case self:
		return exitPropagate
	case shuttingDown:
		return exitNone
	default:
		return exitRespawn
	}
}

func (s *Supervisor) onReadyTimeout(ctx context.Context) {
	if s.State() != StateStarting {
		return
	}
	s.logger.Warn(ctx, nil, "Worker did not report READY in time, restarting",
		"worker_id", s.current.ID(), "timeout", s.cfg.ReadyTimeout.String())
	s.terminateForRestart(ctx)
}

// beginShutdown stops the live worker, if any, and reports whether Run can
// return right away.
func (s *Supervisor) beginShutdown(ctx context.Context) bool {
	s.stopReadyTimer()

	if s.current == nil {
		s.setState(StateExited)
		return true
	}

	alreadyTerminating := s.State() == StateStoppingForRestart
	s.setState(StateStoppingForShutdown)
	if alreadyTerminating {
		return false
	}

	w := s.current
	if err := w.Terminate(); err != nil {
		s.logger.Warn(ctx, err, "Failed to terminate worker", "worker_id", w.ID(), "pid", w.PID())
	}
	return false
}

func (s *Supervisor) startReadyTimer() {
	if s.cfg.ReadyTimeout <= 0 {
		return
	}
	s.readyTimer = time.NewTimer(s.cfg.ReadyTimeout)
}

func (s *Supervisor) stopReadyTimer() {
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
}
