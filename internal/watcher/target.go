package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pock-dev/pock/internal/errors"
)

// SupportedExtensions are the route file extensions a directory root matches.
var SupportedExtensions = []string{".json", ".yml", ".yaml"}

// IgnoredDirs are never descended into.
var IgnoredDirs = []string{"node_modules", ".git"}

// Target is the set of paths a Source watches: directory roots matched
// recursively for SupportedExtensions, plus explicit files. Relative entries
// resolve against the working directory handed to Validate or NewSource.
type Target struct {
	Dirs  []string
	Files []string
}

// Empty reports whether there is nothing to watch.
func (t Target) Empty() bool {
	return len(t.Dirs) == 0 && len(t.Files) == 0
}

// Validate checks that every entry exists. The first missing entry is
// reported as a configuration error and nothing should be watched.
func (t Target) Validate(cwd string) error {
	for _, p := range append(append([]string{}, t.Dirs...), t.Files...) {
		abs := resolve(cwd, p)
		if _, err := os.Stat(abs); err != nil {
			return errors.NewConfigError(errors.CodeWatchTargetMissing,
				fmt.Sprintf("watch target %q does not exist", p)).
				WithPath(abs).
				WithComponent("watcher")
		}
	}
	return nil
}

// resolved returns absolute roots and files. A root that turns out to be a
// regular file is treated as an explicit file.
func (t Target) resolved(cwd string) (roots []string, files []string) {
	for _, d := range t.Dirs {
		abs := resolve(cwd, d)
		if info, err := os.Stat(abs); err == nil && !info.IsDir() {
			files = append(files, abs)
			continue
		}
		roots = append(roots, abs)
	}
	for _, f := range t.Files {
		files = append(files, resolve(cwd, f))
	}
	return roots, files
}

func resolve(cwd, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(cwd, p)
}

// HasSupportedExtension reports whether path looks like a route file.
func HasSupportedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// IsIgnoredDir reports whether a directory name is skipped during walks.
func IsIgnoredDir(name string) bool {
	for _, d := range IgnoredDirs {
		if name == d {
			return true
		}
	}
	return false
}

// underRoot reports whether path lies inside root without crossing an
// ignored directory.
func underRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if IsIgnoredDir(part) {
			return false
		}
	}
	return true
}
