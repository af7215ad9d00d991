package worker

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pock-dev/pock/internal/errors"
	"github.com/pock-dev/pock/internal/ipc"
	"github.com/pock-dev/pock/internal/logging"
	"github.com/pock-dev/pock/internal/supervisor"
)

// DefaultKillGrace is how long a terminated worker may take to exit before
// it is killed outright.
const DefaultKillGrace = 5 * time.Second

// ProcessSpawner starts workers by re-executing a binary, by default the
// running one with the hidden "worker" subcommand. The IPC pipes are passed
// as extra files, landing on ipc.ParentToChildFD and ipc.ChildToParentFD.
type ProcessSpawner struct {
	Executable string
	Args       []string
	Env        []string
	Stdout     io.Writer
	Stderr     io.Writer
	KillGrace  time.Duration
	Logger     logging.Logger
}

// NewProcessSpawner returns a spawner for the current executable.
func NewProcessSpawner(logger logging.Logger, args ...string) (*ProcessSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.NewWorkerError(errors.CodeSpawnFailed, "cannot locate pock executable", err)
	}
	if len(args) == 0 {
		args = []string{"worker"}
	}
	return &ProcessSpawner{
		Executable: exe,
		Args:       args,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		KillGrace:  DefaultKillGrace,
		Logger:     logger,
	}, nil
}

// Spawn starts one worker process in cwd.
func (s *ProcessSpawner) Spawn(cwd string) (supervisor.Worker, error) {
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	toParentR, toParentW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, err
	}

	cmd := exec.Command(s.Executable, s.Args...)
	cmd.Dir = cwd
	cmd.Env = s.Env
	cmd.Stdin = nil
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	// ExtraFiles[i] becomes descriptor 3+i in the child.
	cmd.ExtraFiles = []*os.File{toChildR, toParentW}
	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{toChildR, toChildW, toParentR, toParentW} {
			f.Close()
		}
		return nil, err
	}

	// The child holds its own copies now.
	toChildR.Close()
	toParentW.Close()

	logger := s.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	grace := s.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	p := &Process{
		id:        uuid.NewString(),
		cmd:       cmd,
		channel:   ipc.NewChannel(toParentR, toChildW),
		events:    make(chan supervisor.Event, 8),
		exited:    make(chan struct{}),
		killGrace: grace,
	}
	p.logger = logger.WithComponent("worker").With("worker_id", p.id, "pid", p.PID())
	go p.readLoop()

	return p, nil
}

// Process is a worker process seen from the supervisor.
type Process struct {
	id        string
	cmd       *exec.Cmd
	channel   *ipc.Channel
	events    chan supervisor.Event
	exited    chan struct{}
	killGrace time.Duration
	logger    logging.Logger

	terminateOnce sync.Once
	terminateErr  error
}

// ID is unique per spawned process.
func (p *Process) ID() string { return p.id }

// PID is the operating system process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Events delivers every message from the worker and then one exit event,
// after which the channel is closed.
func (p *Process) Events() <-chan supervisor.Event { return p.events }

// Send delivers a message to the worker.
func (p *Process) Send(msg ipc.Message) error {
	return p.channel.Send(msg)
}

// Terminate asks the worker to exit and kills it if it has not done so
// within the kill grace period. Repeated calls have no further effect.
func (p *Process) Terminate() error {
	p.terminateOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}

		if err := terminateProcess(p.PID()); err != nil {
			p.terminateErr = errors.NewWorkerError(errors.CodeWorkerCrashed, "failed to terminate worker", err)
			return
		}

		go func() {
			timer := time.NewTimer(p.killGrace)
			defer timer.Stop()
			select {
			case <-p.exited:
			case <-timer.C:
				p.logger.Warn(context.Background(), nil, "Worker ignored termination, killing it")
				_ = killProcessGroup(p.PID())
			}
		}()
	})
	return p.terminateErr
}

// readLoop forwards messages until the worker closes its end, then waits
// for the process so the exit event always follows the last message.
func (p *Process) readLoop() {
	ctx := context.Background()
	for {
		msg, err := p.channel.Receive()
		if err != nil {
			// A malformed message still leaves the stream usable.
			if errors.IsWorkerError(err) {
				p.logger.Warn(ctx, err, "Ignoring invalid worker message")
				continue
			}
			if err != io.EOF {
				p.logger.Warn(ctx, err, "Dropping unreadable worker channel")
			}
			break
		}
		p.events <- supervisor.Event{Message: &msg}
	}

	waitErr := p.cmd.Wait()
	close(p.exited)
	_ = p.channel.Close()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.logger.Debug(ctx, "Worker process exited", "exit_code", code)

	p.events <- supervisor.Event{Exited: true, ExitCode: code, Err: waitErr}
	close(p.events)
}
