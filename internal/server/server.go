// Package server implements the mock HTTP server a worker runs: routes
// loaded from JSON and YAML files, optional static hosting, and an optional
// reverse proxy for everything the mocks do not answer.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pock-dev/pock/internal/config"
	"github.com/pock-dev/pock/internal/errors"
	"github.com/pock-dev/pock/internal/logging"
	"github.com/pock-dev/pock/internal/shutdown"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Server is one mock server instance.
//
// Invariants:
//   - routes, static and proxy are fixed after New
//   - Shutdown runs once; later calls return the first result
type Server struct {
	options config.ServerOptions
	cwd     string
	id      string
	logger  logging.Logger

	engine     *gin.Engine
	routes     []Route
	staticRoot string
	proxy      *Proxy
	tlsConfig  *tls.Config

	serverMutex sync.RWMutex
	httpServer  *http.Server
	listener    net.Listener

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a server from options, resolving relative paths against cwd.
// Route files, the static root and TLS material are read here so problems
// surface before anything listens.
func New(ctx context.Context, options config.ServerOptions, cwd string, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		options: options,
		cwd:     cwd,
		id:      uuid.NewString(),
	}
	s.logger = logger.WithComponent("server").With("worker_id", s.id)

	if options.SSL != nil && options.SSL.Enabled {
		cert, err := tls.LoadX509KeyPair(s.resolve(options.SSL.Cert), s.resolve(options.SSL.Key))
		if err != nil {
			return nil, errors.NewIOError(errors.CodeServerFailed, "cannot load TLS certificate", err)
		}
		s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	if options.Static != nil {
		root := s.resolve(options.Static.Root)
		if _, err := os.Stat(root); err != nil {
			return nil, errors.NewIOError(errors.CodeServerFailed, root+" not found.", err).WithPath(root)
		}
		s.staticRoot = root
	}

	if options.Proxy != nil {
		proxy, err := NewProxy(options.Proxy.Upstream, options.Proxy.Prefix, logger)
		if err != nil {
			return nil, err
		}
		s.proxy = proxy
	}

	if options.HasRoutes() {
		routes, err := NewRouteLoader(cwd, logger).Load(ctx, options.Dirs, options.Files)
		if err != nil {
			return nil, err
		}
		s.routes = routes
	}

	s.engine = s.buildEngine(ctx)
	return s, nil
}

func (s *Server) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.cwd, p)
}

func (s *Server) buildEngine(ctx context.Context) *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.logger), requestLogger(s.logger), workerID(s.id))
	if s.options.CORS.Enabled {
		r.Use(cors(s.options.CORS))
	}
	r.Use(bodyLimit(s.options.BodyLimit))

	var registered []Route
	for _, route := range s.routes {
		if err := s.mount(r, route.Method, route.Path, respond(route)); err != nil {
			s.logger.Warn(ctx, err, fmt.Sprintf("Route \"%s\" conflicts with an existing route. It will be ignored.", route.Key()))
			continue
		}
		s.logger.Info(ctx, fmt.Sprintf("Route %s %s created.", route.Method, route.Path))
		registered = append(registered, route)
	}
	s.routes = registered

	var fallback []gin.HandlerFunc
	if s.staticRoot != "" {
		fallback = append(fallback, staticFallback(s.options.Static.Prefix, s.staticRoot))
	}
	if s.proxy != nil {
		fallback = append(fallback, proxyFallback(s.proxy))
	}
	if len(fallback) > 0 {
		r.NoRoute(fallback...)
	}
	return r
}

// mount registers a handler, turning gin's panic on a conflicting pattern
// into an error.
func (s *Server) mount(r *gin.Engine, method, path string, h gin.HandlerFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	r.Handle(method, path, h)
	return nil
}

// underPrefix reports whether path lies below prefix and returns the rest
// of it, always starting with "/".
func underPrefix(path, prefix string) (string, bool) {
	base := strings.TrimSuffix(prefix, "/")
	switch {
	case base == "":
		return path, true
	case path == base:
		return "/", true
	case strings.HasPrefix(path, base+"/"):
		return path[len(base):], true
	default:
		return "", false
	}
}

// staticFallback serves existing files below prefix from root and passes
// everything else down the NoRoute chain.
func staticFallback(prefix, root string) gin.HandlerFunc {
	files := http.FileServer(gin.Dir(root, false))
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			return
		}
		rel, ok := underPrefix(c.Request.URL.Path, prefix)
		if !ok {
			return
		}
		name := filepath.Join(root, filepath.FromSlash(path.Clean(rel)))
		info, err := os.Stat(name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if _, err := os.Stat(filepath.Join(name, "index.html")); err != nil {
				return
			}
		}

		req := c.Request.Clone(c.Request.Context())
		req.URL.Path = rel
		req.URL.RawPath = ""
		files.ServeHTTP(c.Writer, req)
		c.Abort()
	}
}

func proxyFallback(p *Proxy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := underPrefix(c.Request.URL.Path, p.Prefix()); !ok {
			return
		}
		p.ServeHTTP(c.Writer, c.Request)
		c.Abort()
	}
}

// respond answers with the route body after the configured delay.
func respond(route Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		if route.Delay > 0 {
			timer := time.NewTimer(route.Delay)
			select {
			case <-timer.C:
			case <-c.Request.Context().Done():
				timer.Stop()
				return
			}
		}
		if text, ok := route.Body.(string); ok {
			c.String(http.StatusOK, text)
			return
		}
		c.JSON(http.StatusOK, route.Body)
	}
}

// ID identifies this server instance.
func (s *Server) ID() string { return s.id }

// Routes returns the routes that were mounted.
func (s *Server) Routes() []Route { return s.routes }

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Proxy returns the upstream proxy, or nil when none is configured.
func (s *Server) Proxy() shutdown.Shutdowner {
	if s.proxy == nil {
		return nil
	}
	return s.proxy
}

// Start listens on the configured address and logs what is being served.
// Requests are handled once Serve is called.
func (s *Server) Start(ctx context.Context) (string, error) {
	addr := net.JoinHostPort(s.options.Host, strconv.Itoa(s.options.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.WrapIO(err, errors.CodeServerFailed, "cannot listen on "+addr)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.serverMutex.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serverMutex.Unlock()

	s.logSummary(ctx)
	return s.Addr(), nil
}

func (s *Server) logSummary(ctx context.Context) {
	addr := s.Addr()
	if s.options.HasRoutes() {
		s.logger.Info(ctx, "All custom routes are ready.", "routes", len(s.routes))
	}
	if s.options.CORS.Enabled {
		s.logger.Info(ctx, "CORS enabled.")
	}
	if s.staticRoot != "" {
		s.logger.Info(ctx, fmt.Sprintf("Static resource host at %s.", s.options.Static.Prefix))
	}
	if s.proxy != nil {
		s.logger.Info(ctx, fmt.Sprintf("Proxy enabled. From %s%s to %s", addr, s.proxy.Prefix(), s.proxy.Upstream()))
	}
	s.logger.Info(ctx, "Server listening on "+addr)
}

// Addr is the URL the server is reachable at, empty before Start.
func (s *Server) Addr() string {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()
	if s.listener == nil {
		return ""
	}
	scheme := "http"
	if s.tlsConfig != nil {
		scheme = "https"
	}
	return scheme + "://" + s.listener.Addr().String()
}

// Serve handles requests until Shutdown. It starts the listener first if
// Start was not called.
func (s *Server) Serve(ctx context.Context) error {
	s.serverMutex.RLock()
	srv, ln := s.httpServer, s.listener
	s.serverMutex.RUnlock()

	if srv == nil {
		if _, err := s.Start(ctx); err != nil {
			return err
		}
		s.serverMutex.RLock()
		srv, ln = s.httpServer, s.listener
		s.serverMutex.RUnlock()
	}

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.NewIOError(errors.CodeServerFailed, "server error", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Debug(ctx, "Shutting down server...")

		s.serverMutex.RLock()
		srv, ln := s.httpServer, s.listener
		s.serverMutex.RUnlock()

		if srv != nil {
			s.shutdownErr = srv.Shutdown(ctx)
		}
		if ln != nil {
			// Serve may never have taken ownership of the listener.
			_ = ln.Close()
		}
	})
	return s.shutdownErr
}
