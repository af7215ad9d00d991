// Package shutdown holds the last-resort teardown record for a pock process
// and the handlers that drive it on signals and fatal errors.
package shutdown

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/pock-dev/pock/internal/errors"
)

// Stopper is a disposable resource stopped without a deadline, such as a
// file watcher.
type Stopper interface {
	Stop() error
}

// Terminator is a worker process that can be told to exit.
type Terminator interface {
	Terminate() error
}

// Shutdowner is a listener that drains within ctx.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Coordinator records the live watcher, worker, server and proxy so they can
// be torn down from any exit path.
//
// Invariants:
// - every reference is non-owning; the coordinator never decides lifecycle
// - the worker is terminated during cleanup only while marked alive
// - Cleanup runs its teardown at most once; later calls return nil
// - all fields are guarded by mu because signals arrive on their own goroutine
type Coordinator struct {
	mu sync.Mutex

	watcher     Stopper
	worker      Terminator
	workerAlive bool
	server      Shutdowner
	proxy       Shutdowner

	cleaned bool
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// TrackWatcher records the active watcher.
func (c *Coordinator) TrackWatcher(w Stopper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watcher = w
}

// TrackWorker records a freshly spawned worker. It is not alive until
// SetWorkerAlive(true).
func (c *Coordinator) TrackWorker(w Terminator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.worker = w
	c.workerAlive = false
}

// SetWorkerAlive flags whether the tracked worker completed its handshake.
func (c *Coordinator) SetWorkerAlive(alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerAlive = alive && c.worker != nil
}

// ReleaseWorker forgets a worker whose exit has been observed.
func (c *Coordinator) ReleaseWorker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.worker = nil
	c.workerAlive = false
}

// TrackServer records the active HTTP listener.
func (c *Coordinator) TrackServer(s Shutdowner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server = s
}

// TrackProxy records the active upstream proxy.
func (c *Coordinator) TrackProxy(p Shutdowner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxy = p
}

// Cleaned reports whether Cleanup has started.
func (c *Coordinator) Cleaned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleaned
}

// Cleanup stops the watcher, terminates the worker if alive, then shuts down
// the server and the proxy, in that order. Every step runs even if an earlier
// one fails; failures are combined into one cleanup error.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return nil
	}
	c.cleaned = true

	watcher := c.watcher
	var worker Terminator
	if c.workerAlive {
		worker = c.worker
	}
	server, proxy := c.server, c.proxy
	c.watcher, c.worker, c.workerAlive, c.server, c.proxy = nil, nil, false, nil, nil
	c.mu.Unlock()

	var err error
	if watcher != nil {
		err = multierr.Append(err, watcher.Stop())
	}
	if worker != nil {
		err = multierr.Append(err, worker.Terminate())
	}
	if server != nil {
		err = multierr.Append(err, server.Shutdown(ctx))
	}
	if proxy != nil {
		err = multierr.Append(err, proxy.Shutdown(ctx))
	}

	if err != nil {
		return errors.NewCleanupError("clean up failed", err).
			WithContext("failures", len(multierr.Errors(err)))
	}
	return nil
}
