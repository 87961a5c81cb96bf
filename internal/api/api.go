// Package api assembles the HTTP surface: the streamable MCP endpoint, a
// status document, a health check and, when enabled, the OAuth routes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/employee-mcp/internal/auth"
	"github.com/hazyhaar/employee-mcp/internal/mcp"
	"github.com/hazyhaar/employee-mcp/pkg/kit"
)

const TransportName = "StreamableHTTP"

// Pinger reports datastore reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Name     string
	Version  string
	Endpoint string
	MCP      *server.MCPServer
	DB       Pinger
	Auth     *auth.Authorizer // nil runs the endpoint unauthenticated
	Logger   *slog.Logger

	// TrustedProxies are the reverse proxies whose X-Forwarded-For header
	// is believed when rate limiting. Empty keys on the TCP peer only.
	TrustedProxies []netip.Prefix
}

type API struct {
	opts        Options
	logger      *slog.Logger
	authLimiter *RateLimiter
}

func New(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "/mcp"
	}
	return &API{
		opts:        opts,
		logger:      opts.Logger,
		authLimiter: NewRateLimiter(30, time.Minute, opts.TrustedProxies...),
	}
}

// Handler returns the full router wrapped in request logging.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return RequestLogger(a.logger)(mux)
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", a.handleStatus)
	mux.HandleFunc("GET /healthz", a.handleHealth)

	var mcpHandler http.Handler = server.NewStreamableHTTPServer(a.opts.MCP,
		server.WithEndpointPath(a.opts.Endpoint),
		server.WithHTTPContextFunc(toolContext),
	)
	if a.opts.Auth != nil {
		mcpHandler = a.opts.Auth.Require(mcpHandler)
		a.registerAuthRoutes(mux)
	}
	mux.Handle(a.opts.Endpoint, CORS(mcpHandler))
}

func (a *API) registerAuthRoutes(mux *http.ServeMux) {
	az := a.opts.Auth
	mux.HandleFunc("GET "+auth.ProtectedResourcePath, az.ProtectedResourceHandler(a.opts.Endpoint))
	mux.HandleFunc("GET "+auth.ProtectedResourcePath+a.opts.Endpoint, az.ProtectedResourceHandler(a.opts.Endpoint))
	mux.HandleFunc("GET "+auth.LoginPath, RateLimitMiddleware(a.authLimiter, az.LoginHandler))
	mux.HandleFunc("GET "+auth.CallbackPath, RateLimitMiddleware(a.authLimiter, az.CallbackHandler))
}

// toolContext carries request-scoped values from the HTTP request into the
// tool handlers.
func toolContext(ctx context.Context, r *http.Request) context.Context {
	if id := kit.GetRequestID(r.Context()); id != "" {
		ctx = kit.WithRequestID(ctx, id)
	}
	if c := auth.ClaimsFromContext(r.Context()); c != nil {
		ctx = kit.WithUserID(ctx, c.Subject)
	}
	return ctx
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      a.opts.Name,
		"version":   a.opts.Version,
		"transport": TransportName,
		"endpoints": map[string]string{"mcp": a.opts.Endpoint},
		"tools":     mcp.ToolNames,
		"auth":      a.opts.Auth != nil,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.opts.DB == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.opts.DB.Ping(ctx); err != nil {
		a.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
