// Package dispatch routes validated API requests to business-logic handlers.
// The connection engine hands over a parsed request, a response to populate,
// and the resolved identity; handlers may switch the connection into
// streaming mode for open-ended output.
package dispatch

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/watchd/internal/auth"
	"pkt.systems/watchd/internal/httpconn"
	"pkt.systems/watchd/internal/svcfields"
)

// Handler implements one API endpoint family.
type Handler interface {
	Serve(ctx context.Context, req *http.Request, resp *httpconn.Response, identity *auth.Identity, conn *httpconn.Conn) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *http.Request, resp *httpconn.Response, identity *auth.Identity, conn *httpconn.Conn) error

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, req *http.Request, resp *httpconn.Response, identity *auth.Identity, conn *httpconn.Conn) error {
	return f(ctx, req, resp, identity, conn)
}

type route struct {
	prefix     string
	permission string
	handler    Handler
}

// Registry matches request paths against registered URL prefixes, longest
// prefix first, and enforces per-route permissions before invoking the
// handler. It implements the connection engine's Dispatcher contract.
type Registry struct {
	logger pslog.Logger

	mu     sync.RWMutex
	routes []route
}

// NewRegistry returns an empty handler registry.
func NewRegistry(logger pslog.Logger) *Registry {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Registry{logger: svcfields.WithSubsystem(logger, "api.http.router")}
}

// Register binds a handler to a URL prefix. An empty permission means the
// route is open to any authenticated identity.
func (r *Registry) Register(prefix, permission string, h Handler) {
	prefix = "/" + strings.Trim(prefix, "/")
	r.mu.Lock()
	r.routes = append(r.routes, route{prefix: prefix, permission: permission, handler: h})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
	r.mu.Unlock()
}

type apiError struct {
	Error  int    `json:"error"`
	Status string `json:"status"`
}

// Handle routes one validated request. Unknown paths yield 404 and missing
// permissions 403; both honor the client's content preference.
func (r *Registry) Handle(ctx context.Context, req *http.Request, resp *httpconn.Response, identity *auth.Identity, conn *httpconn.Conn) error {
	path := req.URL.Path
	r.mu.RLock()
	var matched *route
	for i := range r.routes {
		if strings.HasPrefix(path, r.routes[i].prefix) {
			matched = &r.routes[i]
			break
		}
	}
	r.mu.RUnlock()

	if matched == nil {
		writeError(req, resp, http.StatusNotFound,
			"The requested path '"+path+"' could not be found.")
		return nil
	}
	if matched.permission != "" && !identity.HasPermission(matched.permission) {
		r.logger.Warn("watchd.router.forbidden",
			"user", identity.Name,
			"permission", matched.permission,
			"target", path)
		writeError(req, resp, http.StatusForbidden,
			"Missing permission: "+matched.permission)
		return nil
	}
	return matched.handler.Serve(ctx, req, resp, identity, conn)
}

func writeError(req *http.Request, resp *httpconn.Response, status int, message string) {
	resp.Status = status
	if req.Header.Get("Accept") == "application/json" {
		_ = resp.SetJSON(apiError{Error: status, Status: message})
		return
	}
	resp.SetHTML("<h1>" + http.StatusText(status) + "</h1><p>" + message + "</p>")
}
