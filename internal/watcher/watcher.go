// Package watcher turns filesystem activity under a Target into a stream of
// coalesced change notifications.
//
// A Source closes Ready once its initial recursive scan is done, then emits
// on Changes at most once per debounce window. Changes has a single slot, so
// however long a burst lasts there is never more than one pending notification.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pock-dev/pock/internal/errors"
	"github.com/pock-dev/pock/internal/logging"
)

// Source watches a Target and emits debounced change notifications.
type Source struct {
	target Target
	cwd    string
	logger logging.Logger

	watcher   *fsnotify.Watcher
	debouncer *Debouncer

	roots []string
	files map[string]bool

	mu      sync.Mutex
	watched map[string]bool

	ready   chan struct{}
	changes chan struct{}
	errs    chan error
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// NewSource validates target and prepares a watcher for it. Nothing is
// watched until Start.
func NewSource(target Target, cwd string, delay time.Duration, logger logging.Logger) (*Source, error) {
	if err := target.Validate(cwd); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewWatcherError(errors.CodeWatcherFailure, "failed to create file watcher", err)
	}

	roots, files := target.resolved(cwd)
	s := &Source{
		target:  target,
		cwd:     cwd,
		logger:  logger.WithComponent("watcher"),
		watcher: fsw,
		roots:   roots,
		files:   make(map[string]bool, len(files)),
		watched: make(map[string]bool),
		ready:   make(chan struct{}),
		changes: make(chan struct{}, 1),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	for _, f := range files {
		s.files[f] = true
	}
	s.debouncer = NewDebouncer(delay, s.notify)

	return s, nil
}

// Start performs the initial scan, closes Ready and begins forwarding events.
// It may be called once.
func (s *Source) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		err = s.start(ctx)
	})
	return err
}

func (s *Source) start(ctx context.Context) error {
	for _, root := range s.roots {
		if err := s.addRecursive(root); err != nil {
			return errors.NewWatcherError(errors.CodeWatcherFailure, "failed to watch directory", err).
				WithPath(root)
		}
	}
	for file := range s.files {
		dir := filepath.Dir(file)
		if err := s.add(dir); err != nil {
			return errors.NewWatcherError(errors.CodeWatcherFailure, "failed to watch file", err).
				WithPath(file)
		}
	}

	s.logger.Debug(ctx, "Initial scan complete", "roots", len(s.roots), "files", len(s.files), "dirs", s.watchedCount())
	close(s.ready)

	go s.loop(ctx)
	return nil
}

// Ready is closed after the initial scan.
func (s *Source) Ready() <-chan struct{} { return s.ready }

// Changes receives one value per debounced burst.
func (s *Source) Changes() <-chan struct{} { return s.changes }

// Errors receives the first error reported by the underlying watcher.
func (s *Source) Errors() <-chan error { return s.errs }

// Stop cancels the pending notification and closes the underlying watcher.
// Calling it more than once is safe.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		s.debouncer.Stop()
		close(s.done)
		s.stopErr = s.watcher.Close()
	})
	return s.stopErr
}

func (s *Source) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Source) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ctx, event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errs <- errors.NewWatcherError(errors.CodeWatcherFailure, "file watcher failed", err):
			default:
			}
		}
	}
}

func (s *Source) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	path := filepath.Clean(event.Name)

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if s.forget(path) {
			s.logger.Debug(ctx, "Directory removed", "path", path)
			s.debouncer.Trigger()
			return
		}
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if s.insideRoot(path) && s.addNewDir(ctx, path) {
				s.debouncer.Trigger()
			}
			return
		}
	}

	if s.matches(path) {
		s.logger.Debug(ctx, "File changed", "path", path, "op", event.Op.String())
		s.debouncer.Trigger()
	}
}

func (s *Source) matches(path string) bool {
	if s.files[path] {
		return true
	}
	if !HasSupportedExtension(path) {
		return false
	}
	return s.insideRoot(path)
}

func (s *Source) insideRoot(path string) bool {
	for _, root := range s.roots {
		if underRoot(root, path) {
			return true
		}
	}
	return false
}

// addNewDir watches a directory created after the initial scan and reports
// whether it already holds route files, as happens when a tree is moved in.
func (s *Source) addNewDir(ctx context.Context, dir string) bool {
	found := false
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != dir && IsIgnoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return s.add(p)
		}
		if HasSupportedExtension(p) {
			found = true
		}
		return nil
	})
	if err != nil {
		s.logger.Warn(ctx, err, "Failed to watch new directory", "path", dir)
	}
	return found
}

func (s *Source) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && IsIgnoredDir(d.Name()) {
			return filepath.SkipDir
		}
		return s.add(p)
	})
}

func (s *Source) add(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watched[dir] {
		return nil
	}
	if err := s.watcher.Add(dir); err != nil {
		return err
	}
	s.watched[dir] = true
	return nil
}

// forget drops a removed directory and its descendants, reporting whether
// path was a watched directory.
func (s *Source) forget(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.watched[path] {
		return false
	}
	for dir := range s.watched {
		if dir == path || underRoot(path, dir) {
			delete(s.watched, dir)
		}
	}
	return true
}

func (s *Source) watchedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watched)
}
