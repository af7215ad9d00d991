package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pock-dev/pock/internal/config"
	"github.com/pock-dev/pock/internal/errors"
	"github.com/pock-dev/pock/internal/ipc"
	"github.com/pock-dev/pock/internal/logging"
	"github.com/pock-dev/pock/internal/shutdown"
	"github.com/pock-dev/pock/internal/watcher"
)

const waitTimeout = 2 * time.Second

type fakeWorker struct {
	id              string
	events          chan Event
	sent            chan ipc.Message
	terminated      int32
	exitOnTerminate bool
}

func newFakeWorker(id string) *fakeWorker {
	return &fakeWorker{
		id:              id,
		events:          make(chan Event, 16),
		sent:            make(chan ipc.Message, 4),
		exitOnTerminate: true,
	}
}

func (w *fakeWorker) ID() string           { return w.id }
func (w *fakeWorker) PID() int             { return 4242 }
func (w *fakeWorker) Events() <-chan Event { return w.events }

func (w *fakeWorker) Send(m ipc.Message) error {
	w.sent <- m
	return nil
}

func (w *fakeWorker) Terminate() error {
	if atomic.AddInt32(&w.terminated, 1) == 1 && w.exitOnTerminate {
		w.exit(-1)
	}
	return nil
}

func (w *fakeWorker) terminations() int { return int(atomic.LoadInt32(&w.terminated)) }

func (w *fakeWorker) ready() {
	msg := ipc.Ready()
	w.events <- Event{Message: &msg}
}

func (w *fakeWorker) fatal() {
	msg := ipc.Fatal("boom")
	w.events <- Event{Message: &msg}
}

func (w *fakeWorker) exit(code int) {
	w.events <- Event{Exited: true, ExitCode: code}
}

func (w *fakeWorker) expectStart(t *testing.T) ipc.Message {
	t.Helper()
	select {
	case m := <-w.sent:
		require.Equal(t, ipc.KindStart, m.Kind)
		return m
	case <-time.After(waitTimeout):
		t.Fatal("worker never received START")
		return ipc.Message{}
	}
}

type fakeSpawner struct {
	mu        sync.Mutex
	count     int
	cwds      []string
	err       error
	spawned   chan *fakeWorker
	configure func(*fakeWorker)
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{spawned: make(chan *fakeWorker, 64)}
}

func (s *fakeSpawner) Spawn(cwd string) (Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	s.count++
	s.cwds = append(s.cwds, cwd)
	w := newFakeWorker(fmt.Sprintf("worker-%d", s.count))
	if s.configure != nil {
		s.configure(w)
	}
	s.spawned <- w
	return w, nil
}

func (s *fakeSpawner) next(t *testing.T) *fakeWorker {
	t.Helper()
	select {
	case w := <-s.spawned:
		return w
	case <-time.After(waitTimeout):
		t.Fatal("expected a worker to be spawned")
		return nil
	}
}

func (s *fakeSpawner) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case w := <-s.spawned:
		t.Fatalf("unexpected spawn of %s", w.id)
	case <-time.After(d):
	}
}

type fakeSource struct {
	ready   chan struct{}
	changes chan struct{}
	errs    chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		ready:   make(chan struct{}),
		changes: make(chan struct{}, 1),
		errs:    make(chan error, 1),
	}
}

func (s *fakeSource) Ready() <-chan struct{}   { return s.ready }
func (s *fakeSource) Changes() <-chan struct{} { return s.changes }
func (s *fakeSource) Errors() <-chan error     { return s.errs }

func (s *fakeSource) change() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// drained waits until the supervisor has taken the pending change.
func (s *fakeSource) drained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.changes) == 0 }, waitTimeout, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) count(s string) int {
	return strings.Count(b.String(), s)
}

type outcome struct {
	result Result
	err    error
}

type harness struct {
	sup      *Supervisor
	spawner  *fakeSpawner
	source   *fakeSource
	registry *shutdown.Coordinator
	logs     *lockedBuffer
	cancel   context.CancelFunc
	done     chan outcome
}

var testOptions = config.ServerOptions{
	Dirs: []string{"./routes"},
	Host: "127.0.0.1",
	Port: 3000,
}

func newHarness(t *testing.T, cfg Config, spawner *fakeSpawner) *harness {
	t.Helper()

	if cfg.Cwd == "" {
		cfg.Cwd = "/project"
	}
	if len(cfg.Options.Dirs) == 0 {
		cfg.Options = testOptions
	}
	logs := &lockedBuffer{}
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LevelDebug, Format: "json", Output: logs})

	h := &harness{
		spawner:  spawner,
		source:   newFakeSource(),
		registry: shutdown.NewCoordinator(),
		logs:     logs,
		done:     make(chan outcome, 1),
	}
	h.sup = New(cfg, spawner, h.registry, logger)
	return h
}

func (h *harness) start(t *testing.T, source ChangeSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	go func() {
		res, err := h.sup.Run(ctx, source)
		h.done <- outcome{res, err}
	}()
}

// boot runs the supervisor against the fake source and returns the first,
// running worker.
func (h *harness) boot(t *testing.T) *fakeWorker {
	t.Helper()
	h.start(t, h.source)
	close(h.source.ready)

	w := h.spawner.next(t)
	w.ready()
	w.expectStart(t)
	require.Eventually(t, func() bool { return h.sup.State() == StateRunning }, waitTimeout, time.Millisecond)
	return w
}

func (h *harness) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-h.done:
		return o
	case <-time.After(waitTimeout):
		t.Fatal("supervisor did not return")
		return outcome{}
	}
}

func (h *harness) running(t *testing.T) {
	t.Helper()
	select {
	case o := <-h.done:
		t.Fatalf("supervisor returned early: %+v", o)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "stopping-for-restart", StateStoppingForRestart.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBootstrapOnReady(t *testing.T) {
	spawner := newFakeSpawner()
	h := newHarness(t, Config{Cwd: "/srv/mock"}, spawner)
	h.start(t, h.source)

	spawner.none(t, 50*time.Millisecond)
	assert.Equal(t, StateIdle, h.sup.State())

	close(h.source.ready)
	w := spawner.next(t)
	require.Eventually(t, func() bool { return h.sup.State() == StateStarting }, waitTimeout, time.Millisecond)

	w.ready()
	start := w.expectStart(t)
	assert.Equal(t, testOptions, start.Start.Options)
	assert.Equal(t, "/srv/mock", start.Start.Cwd)
	assert.Equal(t, []string{"/srv/mock"}, spawner.cwds)
	assert.Equal(t, 1, h.logs.count("Starting server..."))
	assert.Equal(t, 0, h.logs.count("Restarting server..."))
}

func TestRestartKillsThenSpawns(t *testing.T) {
	spawner := newFakeSpawner()
	h := newHarness(t, Config{}, spawner)
	first := h.boot(t)

	h.source.change()
	second := spawner.next(t)

	assert.Equal(t, 1, first.terminations())
	require.Eventually(t, func() bool { return h.sup.State() == StateStarting }, waitTimeout, time.Millisecond)
	spawner.none(t, 50*time.Millisecond)
	assert.Equal(t, 1, h.logs.count("Restarting server..."))
	assert.Equal(t, 0, h.logs.count("Child process crashed."))

	second.ready()
	start := second.expectStart(t)
	assert.Equal(t, testOptions, start.Start.Options)
}

func TestRestartWaitsForExit(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.configure = func(w *fakeWorker) { w.exitOnTerminate = false }
	h := newHarness(t, Config{}, spawner)
	first := h.boot(t)

	h.source.change()
	require.Eventually(t, func() bool { return h.sup.State() == StateStoppingForRestart }, waitTimeout, time.Millisecond)
	spawner.none(t, 50*time.Millisecond)

	// Further requests while the kill is pending change nothing.
	h.source.change()
	h.source.drained(t)
	h.source.change()
	h.source.drained(t)
	assert.Equal(t, 1, first.terminations())

	first.exit(-1)
	spawner.next(t)
	spawner.none(t, 100*time.Millisecond)
}

func TestRestartWhileStarting(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.configure = func(w *fakeWorker) { w.exitOnTerminate = false }
	h := newHarness(t, Config{}, spawner)
	h.start(t, h.source)
	close(h.source.ready)

	first := spawner.next(t)
	h.source.change()
	require.Eventually(t, func() bool { return first.terminations() == 1 }, waitTimeout, time.Millisecond)
	spawner.none(t, 50*time.Millisecond)

	// A late READY from the dying worker is not answered.
	first.ready()
	first.exit(-1)
	second := spawner.next(t)
	assert.Empty(t, first.sent)

	second.ready()
	second.expectStart(t)
}

func TestCrashRespawnsWithSameOptions(t *testing.T) {
	spawner := newFakeSpawner()
	h := newHarness(t, Config{Cwd: "/srv/mock"}, spawner)
	first := h.boot(t)

	first.exit(2)
	second := spawner.next(t)
	spawner.none(t, 50*time.Millisecond)

	second.ready()
	start := second.expectStart(t)
	assert.Equal(t, testOptions, start.Start.Options)
	assert.Equal(t, "/srv/mock", start.Start.Cwd)
	assert.Equal(t, []string{"/srv/mock", "/srv/mock"}, spawner.cwds)
	assert.Equal(t, 1, h.logs.count("Child process crashed."))
	assert.Equal(t, 0, first.terminations())
}

func TestFatalPropagatesExitCode(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		expected int
	}{
		{"reported code", 3, 3},
		{"killed by signal", -1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spawner := newFakeSpawner()
			h := newHarness(t, Config{}, spawner)
			w := h.boot(t)

			w.fatal()
			w.exit(tt.code)

			o := h.wait(t)
			require.NoError(t, o.err)
			assert.Equal(t, tt.expected, o.result.ExitCode)
			assert.False(t, o.result.Shutdown)
			assert.Equal(t, StateExited, h.sup.State())
			assert.Equal(t, 1, h.sup.Spawns())
			spawner.none(t, 50*time.Millisecond)
			assert.Equal(t, 0, h.logs.count("Child process crashed."))
		})
	}
}

func TestFatalDuringStartup(t *testing.T) {
	spawner := newFakeSpawner()
	h := newHarness(t, Config{}, spawner)
	h.start(t, h.source)
	close(h.source.ready)

	w := spawner.next(t)
	w.fatal()
	w.exit(1)

	o := h.wait(t)
	require.NoError(t, o.err)
	assert.Equal(t, 1, o.result.ExitCode)
}

func TestKilledTakesPrecedenceOverFatal(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.configure = func(w *fakeWorker) { w.exitOnTerminate = false }
	h := newHarness(t, Config{}, spawner)
	first := h.boot(t)

	h.source.change()
	require.Eventually(t, func() bool { return first.terminations() == 1 }, waitTimeout, time.Millisecond)
	first.fatal()
	first.exit(1)

	spawner.next(t)
	h.running(t)
}

func TestShutdownWhileRunning(t *testing.T) {
	spawner := newFakeSpawner()
	h := newHarness(t, Config{}, spawner)
	w := h.boot(t)

	h.cancel()

	o := h.wait(t)
	require.NoError(t, o.err)
	assert.True(t, o.result.Shutdown)
	assert.Equal(t, 1, w.terminations())
	assert.Equal(t, StateExited, h.sup.State())
	spawner.none(t, 50*time.Millisecond)
}

func TestShutdownWhileStoppingForRestart(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.configure = func(w *fakeWorker) { w.exitOnTerminate = false }
	h := newHarness(t, Config{}, spawner)
	w := h.boot(t)

	h.source.change()
	require.Eventually(t, func() bool { return h.sup.State() == StateStoppingForRestart }, waitTimeout, time.Millisecond)

	h.cancel()
	require.Eventually(t, func() bool { return h.sup.State() == StateStoppingForShutdown }, waitTimeout, time.Millisecond)
	w.exit(-1)

	o := h.wait(t)
	require.NoError(t, o.err)
	assert.True(t, o.result.Shutdown)
	assert.Equal(t, 1, w.terminations())
	spawner.none(t, 50*time.Millisecond)
}

func TestShutdownWithoutWorker(t *testing.T) {
	spawner := newFakeSpawner()
	h := newHarness(t, Config{}, spawner)
	h.start(t, h.source)

	h.cancel()
	o := h.wait(t)
	require.NoError(t, o.err)
	assert.True(t, o.result.Shutdown)
	assert.Equal(t, 0, h.sup.Spawns())
}

func TestRegistryCleanupSuppressesRespawn(t *testing.T) {
	spawner := newFakeSpawner()
	h := newHarness(t, Config{}, spawner)
	w := h.boot(t)

	// A signal handler tears everything down; the worker is alive so the
	// registry terminates it.
	require.NoError(t, h.registry.Cleanup(context.Background()))
	assert.Equal(t, 1, w.terminations())

	o := h.wait(t)
	require.NoError(t, o.err)
	assert.True(t, o.result.Shutdown)
	spawner.none(t, 50*time.Millisecond)
	assert.Equal(t, 0, h.logs.count("Child process crashed."))
}

func TestRestartAfterCleanupDoesNotRespawn(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.configure = func(w *fakeWorker) { w.exitOnTerminate = false }
	h := newHarness(t, Config{}, spawner)
	w := h.boot(t)

	h.source.change()
	require.Eventually(t, func() bool { return w.terminations() == 1 }, waitTimeout, time.Millisecond)
	require.NoError(t, h.registry.Cleanup(context.Background()))
	w.exit(-1)

	o := h.wait(t)
	require.NoError(t, o.err)
	assert.True(t, o.result.Shutdown)
	spawner.none(t, 50*time.Millisecond)
}

func TestRegistryTracksLiveness(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.configure = func(w *fakeWorker) { w.exitOnTerminate = false }
	h := newHarness(t, Config{}, spawner)
	h.start(t, h.source)
	close(h.source.ready)

	w := spawner.next(t)
	w.ready()
	w.expectStart(t)
	require.Eventually(t, func() bool { return h.sup.State() == StateRunning }, waitTimeout, time.Millisecond)

	// A crashed, released worker is not terminated by cleanup.
	w.exit(1)
	next := spawner.next(t)
	require.NoError(t, h.registry.Cleanup(context.Background()))
	assert.Equal(t, 0, w.terminations())
	assert.Equal(t, 0, next.terminations())
}

func TestSpawnFailure(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.err = fmt.Errorf("exec: not found")
	h := newHarness(t, Config{}, spawner)
	h.start(t, h.source)
	close(h.source.ready)

	o := h.wait(t)
	require.Error(t, o.err)
	assert.True(t, errors.IsWorkerError(o.err))
	assert.Contains(t, o.err.Error(), "exec: not found")
	assert.Equal(t, StateExited, h.sup.State())
}

func TestWatcherErrorIsFatal(t *testing.T) {
	spawner := newFakeSpawner()
	h := newHarness(t, Config{}, spawner)
	h.boot(t)

	h.source.errs <- fmt.Errorf("inotify queue overflow")

	o := h.wait(t)
	require.Error(t, o.err)
	assert.True(t, errors.IsWatcherError(o.err))
	spawner.none(t, 50*time.Millisecond)
}

func TestReadyTimeoutRestartsWorker(t *testing.T) {
	spawner := newFakeSpawner()
	h := newHarness(t, Config{ReadyTimeout: 80 * time.Millisecond}, spawner)
	h.start(t, h.source)
	close(h.source.ready)

	first := spawner.next(t)
	second := spawner.next(t)
	assert.Equal(t, 1, first.terminations())

	second.ready()
	second.expectStart(t)
	spawner.none(t, 100*time.Millisecond)
	assert.Equal(t, 0, second.terminations())
	assert.Equal(t, 1, h.logs.count("did not report READY"))
}

func TestNoReadyTimeoutByDefault(t *testing.T) {
	spawner := newFakeSpawner()
	h := newHarness(t, Config{}, spawner)
	h.start(t, h.source)
	close(h.source.ready)

	w := spawner.next(t)
	spawner.none(t, 150*time.Millisecond)
	assert.Equal(t, 0, w.terminations())
	assert.Equal(t, StateStarting, h.sup.State())
}

func TestClosedEventsCountAsExit(t *testing.T) {
	spawner := newFakeSpawner()
	h := newHarness(t, Config{}, spawner)
	w := h.boot(t)

	close(w.events)
	spawner.next(t)
	assert.Equal(t, 1, h.logs.count("Child process crashed."))
}

func TestBurstOfFileChangesRestartsOnce(t *testing.T) {
	cwd := t.TempDir()
	routes := filepath.Join(cwd, "routes")
	require.NoError(t, os.Mkdir(routes, 0755))
	file := filepath.Join(routes, "users.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"GET /users": []}`), 0644))

	src, err := watcher.NewSource(watcher.Target{Dirs: []string{"routes"}}, cwd, 100*time.Millisecond, nil)
	require.NoError(t, err)
	defer src.Stop()

	spawner := newFakeSpawner()
	h := newHarness(t, Config{Cwd: cwd}, spawner)
	h.registry.TrackWatcher(src)
	require.NoError(t, src.Start(context.Background()))
	h.start(t, src)

	first := spawner.next(t)
	first.ready()
	first.expectStart(t)

	require.NoError(t, os.WriteFile(file, []byte(`{"GET /users": [1]}`), 0644))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(file, []byte(`{"GET /users": [1, 2]}`), 0644))

	second := spawner.next(t)
	assert.Equal(t, 1, first.terminations())
	spawner.none(t, 400*time.Millisecond)
	assert.Equal(t, 0, second.terminations())
	assert.Equal(t, 2, h.sup.Spawns())
}

func TestDecideExit(t *testing.T) {
	tests := []struct {
		name                       string
		killed, self, shuttingDown bool
		expected                   exitAction
	}{
		{"restart", true, false, false, exitRespawn},
		{"restart wins over fatal", true, true, false, exitRespawn},
		{"restart during shutdown", true, false, true, exitNone},
		{"fatal", false, true, false, exitPropagate},
		{"fatal during shutdown", false, true, true, exitPropagate},
		{"shutdown", false, false, true, exitNone},
		{"crash", false, false, false, exitRespawn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, decideExit(tt.killed, tt.self, tt.shuttingDown))
		})
	}
}
