package server

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/pock-dev/pock/internal/errors"
	"github.com/pock-dev/pock/internal/logging"
)

// Proxy forwards requests under a prefix to an upstream, stripping the
// prefix on the way.
type Proxy struct {
	upstream  *url.URL
	prefix    string
	transport *http.Transport
	handler   *httputil.ReverseProxy
}

// NewProxy creates a proxy for upstream mounted at prefix.
func NewProxy(upstream, prefix string, logger logging.Logger) (*Proxy, error) {
	target, err := url.Parse(upstream)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, errors.NewConfigError(errors.CodeInvalidConfig,
			"upstream must set, such as http://www.example.com").WithContext("upstream", upstream)
	}
	if prefix == "" {
		prefix = "/"
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("proxy")

	p := &Proxy{
		upstream:  target,
		prefix:    prefix,
		transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
	p.handler = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.Out.URL.Path = p.strip(r.In.URL.Path)
			r.Out.URL.RawPath = ""
			r.SetURL(p.upstream)
			r.SetXForwarded()
		},
		Transport: p.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error(r.Context(), err, "An error occurred when request "+r.Host+r.URL.RequestURI())
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return p, nil
}

// strip removes the mount prefix from path.
func (p *Proxy) strip(path string) string {
	if rest, ok := underPrefix(path, p.prefix); ok {
		return rest
	}
	return path
}

// Prefix is where the proxy is mounted.
func (p *Proxy) Prefix() string { return p.prefix }

// Upstream is where requests are forwarded.
func (p *Proxy) Upstream() string { return p.upstream.String() }

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

// Shutdown releases idle upstream connections.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.transport.CloseIdleConnections()
	return nil
}
