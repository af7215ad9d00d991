package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pock-dev/pock/internal/logging"
)

const (
	// DefaultSettleDelay lets the last log lines flush before exiting.
	DefaultSettleDelay = 50 * time.Millisecond
	// DefaultCleanupTimeout bounds how long listeners may take to drain.
	DefaultCleanupTimeout = 5 * time.Second
)

// Signals that trigger a graceful stop.
var Signals = []os.Signal{syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM}

// Handler runs the coordinator's cleanup on every exit path and then exits.
type Handler struct {
	coordinator    *Coordinator
	logger         logging.Logger
	exit           func(int)
	settle         time.Duration
	cleanupTimeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithExitFunc replaces os.Exit.
func WithExitFunc(exit func(int)) Option {
	return func(h *Handler) { h.exit = exit }
}

// WithSettleDelay sets the pause between the final log line and exit.
func WithSettleDelay(d time.Duration) Option {
	return func(h *Handler) { h.settle = d }
}

// WithCleanupTimeout bounds listener draining during cleanup.
func WithCleanupTimeout(d time.Duration) Option {
	return func(h *Handler) { h.cleanupTimeout = d }
}

// NewHandler builds a handler around c.
func NewHandler(c *Coordinator, logger logging.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	h := &Handler{
		coordinator:    c,
		logger:         logger.WithComponent("shutdown"),
		exit:           os.Exit,
		settle:         DefaultSettleDelay,
		cleanupTimeout: DefaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Coordinator returns the record this handler tears down.
func (h *Handler) Coordinator() *Coordinator {
	return h.coordinator
}

// HandleSignal is the graceful path: clean up, report, exit 0. A failed
// cleanup exits 1.
func (h *Handler) HandleSignal(sig os.Signal) {
	ctx := context.Background()
	h.logger.Debug(ctx, "Received signal", "signal", sig.String())

	if err := h.cleanup(ctx); err != nil {
		h.logger.Error(ctx, err, "Clean up failed.")
		h.finish(1)
		return
	}

	h.logger.Info(ctx, "pock stopped.")
	h.finish(0)
}

// HandleFatal is the error path: report err, clean up, exit 1.
func (h *Handler) HandleFatal(err error) {
	ctx := context.Background()
	h.logger.Error(ctx, err, "Unexpected error, stopping.")

	if cerr := h.cleanup(ctx); cerr != nil {
		h.logger.Error(ctx, cerr, "Clean up failed.")
	}
	h.finish(1)
}

// HandleExit propagates an exit status decided elsewhere, such as the code
// of a worker that reported a fatal error.
func (h *Handler) HandleExit(code int) {
	ctx := context.Background()
	if err := h.cleanup(ctx); err != nil {
		h.logger.Error(ctx, err, "Clean up failed.")
		if code == 0 {
			code = 1
		}
	}
	h.finish(code)
}

// Listen routes Signals to HandleSignal until ctx is done. The returned func
// stops listening.
func (h *Handler) Listen(ctx context.Context) (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, Signals...)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigChan:
			h.HandleSignal(sig)
		case <-ctx.Done():
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(done)
		})
	}
}

func (h *Handler) cleanup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.cleanupTimeout)
	defer cancel()
	return h.coordinator.Cleanup(ctx)
}

func (h *Handler) finish(code int) {
	if h.settle > 0 {
		time.Sleep(h.settle)
	}
	h.exit(code)
}
