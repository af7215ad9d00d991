// Package worker runs the mock server inside a supervised child process and
// starts such processes on behalf of the supervisor.
//
// The child side follows a fixed handshake: READY is sent before anything
// else, the server is only built once START arrives, and an unrecoverable
// failure is reported with FATAL shortly before the process exits non-zero.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pock-dev/pock/internal/errors"
	"github.com/pock-dev/pock/internal/ipc"
	"github.com/pock-dev/pock/internal/logging"
	"github.com/pock-dev/pock/internal/shutdown"
)

// FatalGracePeriod gives a FATAL message time to reach the supervisor
// before the worker exits.
const FatalGracePeriod = 30 * time.Millisecond

// Exit codes returned by Run.
const (
	ExitOK    = 0
	ExitFatal = 1
)

// Server is what a worker boots and serves.
type Server interface {
	// Serve blocks until the server is shut down (nil) or fails.
	Serve(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ProxyProvider is implemented by servers that forward to an upstream. The
// returned value is tracked so upstream connections are released on exit.
type ProxyProvider interface {
	Proxy() shutdown.Shutdowner
}

// BootFunc builds the server described by a START message.
type BootFunc func(ctx context.Context, start ipc.StartPayload) (Server, error)

// Channel is the worker's end of the IPC channel.
type Channel interface {
	Send(msg ipc.Message) error
	Receive() (ipc.Message, error)
}

// Runner holds the pieces of a worker process.
type Runner struct {
	channel        Channel
	boot           BootFunc
	logger         logging.Logger
	coordinator    *shutdown.Coordinator
	gracePeriod    time.Duration
	cleanupTimeout time.Duration
	announced      bool
}

// Announce sends READY to the supervisor. A worker process calls it as soon
// as the channel is open, before any other setup.
func Announce(channel Channel) error {
	return channel.Send(ipc.Ready())
}

// Announced marks READY as already sent through Announce, so Run goes
// straight to waiting for START.
func (r *Runner) Announced() *Runner {
	r.announced = true
	return r
}

// NewRunner prepares a worker around an open channel.
func NewRunner(channel Channel, boot BootFunc, logger logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Runner{
		channel:        channel,
		boot:           boot,
		logger:         logger.WithComponent("worker"),
		coordinator:    shutdown.NewCoordinator(),
		gracePeriod:    FatalGracePeriod,
		cleanupTimeout: shutdown.DefaultCleanupTimeout,
	}
}

// Run performs the handshake and serves until ctx is cancelled, the parent
// goes away, or the server fails. It returns the process exit code.
func (r *Runner) Run(ctx context.Context) (code int) {
	defer func() {
		if rec := recover(); rec != nil {
			code = r.fatal(ctx, panicError(rec))
		}
	}()

	if !r.announced {
		if err := Announce(r.channel); err != nil {
			r.logger.Error(ctx, err, "Failed to reach supervisor")
			return ExitFatal
		}
	}

	start, ok := r.awaitStart(ctx)
	if !ok {
		return ExitOK
	}

	srv, err := r.boot(ctx, start)
	if err != nil {
		return r.fatal(ctx, err)
	}

	r.coordinator.TrackServer(srv)
	if pp, ok := srv.(ProxyProvider); ok {
		if proxy := pp.Proxy(); proxy != nil {
			r.coordinator.TrackProxy(proxy)
		}
	}

	serveErr, cleanupErr := r.serve(ctx, srv)
	if serveErr != nil {
		return r.fatal(ctx, serveErr)
	}
	if cleanupErr != nil {
		r.logger.Error(ctx, cleanupErr, "Clean up failed.")
		return ExitFatal
	}
	return ExitOK
}

// awaitStart blocks for START. It reports false if the supervisor went away
// or ctx ended first.
func (r *Runner) awaitStart(ctx context.Context) (ipc.StartPayload, bool) {
	type received struct {
		msg ipc.Message
		err error
	}
	ch := make(chan received, 1)

	go func() {
		for {
			msg, err := r.channel.Receive()
			if err != nil || msg.Kind == ipc.KindStart {
				ch <- received{msg, err}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ipc.StartPayload{}, false
	case rcv := <-ch:
		if rcv.err != nil {
			r.logger.Debug(ctx, "Supervisor closed the channel before START", "error", rcv.err.Error())
			return ipc.StartPayload{}, false
		}
		return *rcv.msg.Start, true
	}
}

// serve runs the server alongside a watcher on the parent channel. The
// first of a serve failure, ctx cancellation or a closed channel ends it.
func (r *Runner) serve(ctx context.Context, srv Server) (serveErr, cleanupErr error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		// Nothing more is expected after START; a read error means the
		// supervisor is gone.
		for {
			if _, err := r.channel.Receive(); err != nil {
				stop()
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = panicError(rec)
			}
		}()
		defer stop()
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), r.cleanupTimeout)
		defer cancel()
		cleanupErr = r.coordinator.Cleanup(cctx)
		return nil
	})

	serveErr = g.Wait()
	return serveErr, cleanupErr
}

// fatal reports err to the supervisor and returns the exit code to use.
func (r *Runner) fatal(ctx context.Context, err error) int {
	r.logger.Error(ctx, err, "Server failed")

	cctx, cancel := context.WithTimeout(context.Background(), r.cleanupTimeout)
	defer cancel()
	if cerr := r.coordinator.Cleanup(cctx); cerr != nil {
		r.logger.Error(ctx, cerr, "Clean up failed.")
	}

	if serr := r.channel.Send(ipc.Fatal(errors.FormatError(err))); serr != nil {
		r.logger.Warn(ctx, serr, "Failed to report fatal error")
	}
	time.Sleep(r.gracePeriod)
	return ExitFatal
}

func panicError(rec interface{}) error {
	var err error
	if e, ok := rec.(error); ok {
		err = e
	} else {
		err = stderrors.New(fmt.Sprint(rec))
	}
	return errors.WrapInternal(err, errors.CodeServerFailed, "panic in worker").
		WithContext("stack", string(debug.Stack()))
}
