package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pock-dev/pock/internal/errors"
	"github.com/pock-dev/pock/internal/logging"
	"github.com/pock-dev/pock/internal/watcher"
)

// Methods accepted in route keys.
var Methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// Route is one mocked endpoint. Body is sent as text when it is a string
// and as JSON otherwise.
type Route struct {
	Method string
	Path   string
	Delay  time.Duration
	Body   interface{}
	Source string
}

// Key identifies a route for duplicate detection.
func (r Route) Key() string {
	return r.Method + " " + r.Path
}

// RouteLoader collects route files and turns them into routes.
type RouteLoader struct {
	cwd    string
	logger logging.Logger
	seen   map[string]string
}

// NewRouteLoader creates a loader resolving paths against cwd.
func NewRouteLoader(cwd string, logger logging.Logger) *RouteLoader {
	if logger == nil {
		logger = logging.Nop()
	}
	return &RouteLoader{
		cwd:    cwd,
		logger: logger.WithComponent("routes"),
		seen:   make(map[string]string),
	}
}

// Load reads every route file under dirs plus the explicit files. Files that
// fail to parse and keys that are invalid or duplicated are skipped with a
// warning. Finding no route file at all is an error.
func (l *RouteLoader) Load(ctx context.Context, dirs, files []string) ([]Route, error) {
	paths, err := l.collect(dirs, files)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.NewIOError(errors.CodeRouteFileNotFound, "Route file not found.", nil)
	}

	l.logger.Info(ctx, "Register routes...")

	var routes []Route
	for _, path := range paths {
		l.logger.Info(ctx, fmt.Sprintf("Loading file: %s...", path))

		docs, err := readRouteFile(path)
		if err != nil {
			l.logger.Warn(ctx, nil, fmt.Sprintf("An error occurred when load %s, it will be ignored.", path))
			l.logger.Error(ctx, err, "Route file could not be parsed", "file", path)
			continue
		}

		for _, doc := range docs {
			routes = append(routes, l.fromDocument(ctx, path, doc)...)
		}
	}
	return routes, nil
}

// collect lists route files: a recursive walk of each dir, skipping ignored
// directories, followed by the explicit files.
func (l *RouteLoader) collect(dirs, files []string) ([]string, error) {
	var paths []string
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		root := l.resolve(dir)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == root {
					return nil
				}
				return err
			}
			if d.IsDir() {
				if path != root && watcher.IsIgnoredDir(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if watcher.HasSupportedExtension(path) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, errors.NewIOError(errors.CodeRouteFileNotFound,
				fmt.Sprintf("cannot read route directory %s", dir), err).WithPath(root)
		}
	}
	for _, file := range files {
		if strings.TrimSpace(file) == "" {
			continue
		}
		paths = append(paths, l.resolve(file))
	}
	return paths, nil
}

func (l *RouteLoader) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(l.cwd, p)
}

// fromDocument handles one parsed document: an object of routes or an
// array of such objects.
func (l *RouteLoader) fromDocument(ctx context.Context, path string, doc interface{}) []Route {
	switch v := doc.(type) {
	case map[string]interface{}:
		return l.fromObject(ctx, path, v)
	case []interface{}:
		if len(v) == 0 {
			l.logger.Warn(ctx, nil, "Route not found.", "file", path)
		}
		var routes []Route
		for _, item := range v {
			obj, ok := item.(map[string]interface{})
			if !ok {
				l.logger.Warn(ctx, nil, "Route not found.", "file", path)
				continue
			}
			routes = append(routes, l.fromObject(ctx, path, obj)...)
		}
		return routes
	case nil:
		return nil
	default:
		l.logger.Warn(ctx, nil, "Route file must hold an object or an array of objects, it will be ignored.", "file", path)
		return nil
	}
}

func (l *RouteLoader) fromObject(ctx context.Context, path string, obj map[string]interface{}) []Route {
	if len(obj) == 0 {
		l.logger.Warn(ctx, nil, "Route not found.", "file", path)
		return nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	routes := make([]Route, 0, len(keys))
	for _, key := range keys {
		route, err := ParseRouteKey(key)
		if err != nil {
			l.logger.Warn(ctx, nil, err.Error(), "file", path)
			continue
		}
		if prev, ok := l.seen[route.Key()]; ok {
			l.logger.Warn(ctx, nil, fmt.Sprintf("Route \"%s\" already exists. The after will be ignored.", route.Key()),
				"file", path, "first", prev)
			continue
		}
		l.seen[route.Key()] = path

		route.Body = obj[key]
		route.Source = path
		routes = append(routes, route)
	}
	return routes
}

// ParseRouteKey parses "METHOD /url [delayMs]". A delay that is not a
// number is ignored.
func ParseRouteKey(key string) (Route, error) {
	fields := strings.Fields(key)
	if len(fields) < 2 {
		return Route{}, fmt.Errorf("Invalid route \"%s\". It will be ignored.", key)
	}

	method := strings.ToUpper(fields[0])
	if !isMethod(method) {
		return Route{}, fmt.Errorf("Invalid method %s in route \"%s\". It will be ignored.", fields[0], key)
	}

	path := fields[1]
	if !strings.HasPrefix(path, "/") {
		return Route{}, fmt.Errorf("Invalid route \"%s\". It will be ignored.", key)
	}

	route := Route{Method: method, Path: path}
	if len(fields) > 2 {
		if ms, err := strconv.Atoi(fields[2]); err == nil && ms > 0 {
			route.Delay = time.Duration(ms) * time.Millisecond
		}
	}
	return route, nil
}

func isMethod(m string) bool {
	for _, method := range Methods {
		if m == method {
			return true
		}
	}
	return false
}

// readRouteFile parses a route file into its documents. YAML files may
// hold several documents separated by "---".
func readRouteFile(path string) ([]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		var docs []interface{}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		for {
			var doc interface{}
			if err := dec.Decode(&doc); err != nil {
				if err == io.EOF {
					break
				}
				return nil, err
			}
			docs = append(docs, normalizeYAML(doc))
		}
		return docs, nil
	default:
		var doc interface{}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		return []interface{}{doc}, nil
	}
}

// normalizeYAML converts maps with non-string keys so bodies can be
// rendered as JSON.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
