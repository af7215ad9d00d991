package shutdown

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/pock-dev/pock/internal/errors"
	"github.com/pock-dev/pock/internal/logging"
)

// recorder collects teardown calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeWatcher struct {
	rec *recorder
	err error
}

func (f *fakeWatcher) Stop() error {
	f.rec.add("watcher")
	return f.err
}

type fakeWorker struct {
	rec *recorder
	err error
}

func (f *fakeWorker) Terminate() error {
	f.rec.add("worker")
	return f.err
}

type fakeListener struct {
	rec  *recorder
	name string
	err  error
}

func (f *fakeListener) Shutdown(ctx context.Context) error {
	f.rec.add(f.name)
	return f.err
}

func TestCleanupOrder(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.TrackProxy(&fakeListener{rec: rec, name: "proxy"})
	c.TrackServer(&fakeListener{rec: rec, name: "server"})
	c.TrackWorker(&fakeWorker{rec: rec})
	c.SetWorkerAlive(true)
	c.TrackWatcher(&fakeWatcher{rec: rec})

	require.NoError(t, c.Cleanup(context.Background()))
	assert.Equal(t, []string{"watcher", "worker", "server", "proxy"}, rec.list())
	assert.True(t, c.Cleaned())
}

func TestCleanupSkipsWorkerNotAlive(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.TrackWatcher(&fakeWatcher{rec: rec})
	c.TrackWorker(&fakeWorker{rec: rec})

	require.NoError(t, c.Cleanup(context.Background()))
	assert.Equal(t, []string{"watcher"}, rec.list())
}

func TestReleasedWorkerIsNotTerminated(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.TrackWorker(&fakeWorker{rec: rec})
	c.SetWorkerAlive(true)
	c.ReleaseWorker()
	c.SetWorkerAlive(true)

	require.NoError(t, c.Cleanup(context.Background()))
	assert.Empty(t, rec.list())
}

func TestTrackWorkerResetsAlive(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.TrackWorker(&fakeWorker{rec: rec})
	c.SetWorkerAlive(true)
	c.TrackWorker(&fakeWorker{rec: rec})

	require.NoError(t, c.Cleanup(context.Background()))
	assert.Empty(t, rec.list())
}

func TestCleanupIsIdempotent(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.TrackWatcher(&fakeWatcher{rec: rec})
	c.TrackServer(&fakeListener{rec: rec, name: "server"})

	require.NoError(t, c.Cleanup(context.Background()))
	require.NoError(t, c.Cleanup(context.Background()))
	assert.Equal(t, []string{"watcher", "server"}, rec.list())
}

func TestCleanupAggregatesFailures(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.TrackWatcher(&fakeWatcher{rec: rec, err: fmt.Errorf("watcher closed twice")})
	c.TrackWorker(&fakeWorker{rec: rec})
	c.SetWorkerAlive(true)
	c.TrackServer(&fakeListener{rec: rec, name: "server", err: context.DeadlineExceeded})

	err := c.Cleanup(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"watcher", "worker", "server"}, rec.list())

	var pe *errors.PockError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, errors.ErrorTypeCleanup, pe.Type)
	assert.Len(t, multierr.Errors(pe.Cause), 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentCleanupRunsOnce(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.TrackWatcher(&fakeWatcher{rec: rec})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Cleanup(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"watcher"}, rec.list())
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) get() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func newTestHandler(c *Coordinator, buf *bytes.Buffer, ex *exitRecorder) *Handler {
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LevelDebug, Format: "json", Output: buf})
	return NewHandler(c, logger, WithExitFunc(ex.exit), WithSettleDelay(0))
}

func TestHandleSignal(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.TrackWatcher(&fakeWatcher{rec: rec})
	c.TrackWorker(&fakeWorker{rec: rec})
	c.SetWorkerAlive(true)

	var buf bytes.Buffer
	ex := &exitRecorder{}
	newTestHandler(c, &buf, ex).HandleSignal(syscall.SIGTERM)

	assert.Equal(t, []int{0}, ex.get())
	assert.Equal(t, []string{"watcher", "worker"}, rec.list())
	assert.Contains(t, buf.String(), "pock stopped.")
}

func TestHandleSignalCleanupFailure(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.TrackServer(&fakeListener{rec: rec, name: "server", err: fmt.Errorf("boom")})

	var buf bytes.Buffer
	ex := &exitRecorder{}
	newTestHandler(c, &buf, ex).HandleSignal(syscall.SIGINT)

	assert.Equal(t, []int{1}, ex.get())
	assert.Contains(t, buf.String(), "Clean up failed.")
	assert.NotContains(t, buf.String(), "pock stopped.")
}

func TestHandleFatal(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.TrackWatcher(&fakeWatcher{rec: rec, err: fmt.Errorf("already closed")})

	var buf bytes.Buffer
	ex := &exitRecorder{}
	newTestHandler(c, &buf, ex).HandleFatal(fmt.Errorf("watcher exploded"))

	assert.Equal(t, []int{1}, ex.get())
	assert.Contains(t, buf.String(), "watcher exploded")
	assert.Contains(t, buf.String(), "Clean up failed.")
}

func TestHandleExit(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		cleanErr error
		expected int
	}{
		{"propagates worker code", 3, nil, 3},
		{"zero stays zero", 0, nil, 0},
		{"cleanup failure forces one", 0, fmt.Errorf("boom"), 1},
		{"cleanup failure keeps code", 4, fmt.Errorf("boom"), 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator()
			c.TrackWatcher(&fakeWatcher{rec: &recorder{}, err: tt.cleanErr})

			var buf bytes.Buffer
			ex := &exitRecorder{}
			newTestHandler(c, &buf, ex).HandleExit(tt.code)
			assert.Equal(t, []int{tt.expected}, ex.get())
		})
	}
}

func TestListenStop(t *testing.T) {
	h := NewHandler(NewCoordinator(), nil, WithExitFunc(func(int) {}))
	stop := h.Listen(context.Background())
	stop()
	stop()
}
