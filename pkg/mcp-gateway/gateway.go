package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcpchat-go/pkg/metrics"
	"github.com/vikashloomba/mcpchat-go/pkg/toolexec"
)

const protectedResourcePath = "/.well-known/oauth-protected-resource"

// Gateway exposes a Streamable MCP server that serves the executor's merged
// tool catalog under a single HTTP endpoint.
type Gateway struct {
	executor *toolexec.Executor
	opts     Options

	features *featureIndex

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	serverMu     sync.Mutex
	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway, registers the current catalog, and follows
// catalog changes of exec.
func NewGateway(exec *toolexec.Executor, opts *Options) (*Gateway, error) {
	if exec == nil {
		return nil, fmt.Errorf("mcpgateway: executor is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("mcpgateway: TokenOptions require a TokenVerifier")
	}
	g := &Gateway{
		executor: exec,
		opts:     options,
		features: newFeatureIndex(),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{HasTools: true})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.mux = g.mountHandler()
	g.httpHandler = cors.New(cors.Options{
		AllowedOrigins: options.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id", "WWW-Authenticate"},
	}).Handler(g.mux)

	exec.OnCatalogChange(func([]toolexec.Tool) { g.Sync() })
	g.Sync()
	return g, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint and
// the auxiliary routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux returns the mux behind Handler so callers can add routes.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Options returns the effective options.
func (g *Gateway) Options() Options {
	return g.opts
}

// Sync registers the executor's current catalog on the downstream server.
// Only tools that appeared, changed, or disappeared are touched.
func (g *Gateway) Sync() {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	removed, added := g.features.UpdateTools(g.executor.Snapshot())
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
	for _, reg := range added {
		g.server.AddTool(reg.Tool, g.makeToolHandler(reg.Target))
	}
	if len(removed)+len(added) > 0 {
		g.opts.Logger.Debug("gateway tools synchronized", "added", len(added), "removed", len(removed), "total", g.features.Len())
	}
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		call := toolexec.ToolCall{
			ID:       uuid.NewString(),
			Function: toolexec.FunctionCall{Name: target.GatewayName},
		}
		if req != nil && req.Params != nil {
			if raw := strings.TrimSpace(string(req.Params.Arguments)); raw != "null" {
				call.Function.Arguments = raw
			}
		}
		out, err := g.executor.ExecuteTool(ctx, call)
		if err != nil {
			g.logError("tool call", err, "tool", target.GatewayName, "server", target.ServerID, "call", call.ID)
			result := toolexec.NewToolResult(call.ID, "", err)
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: result.ResultData}},
			}, nil
		}
		var res mcp.CallToolResult
		if err := json.Unmarshal([]byte(out), &res); err != nil {
			return nil, fmt.Errorf("mcpgateway: decode result of %s: %w", target.GatewayName, err)
		}
		return &res, nil
	}
}

func (g *Gateway) mountHandler() *http.ServeMux {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var mcpHandler http.Handler = g.streamHandler
	if g.opts.TokenVerifier != nil {
		mcpHandler = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(mcpHandler)
	}

	mux := http.NewServeMux()
	mux.Handle(path, mcpHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", mcpHandler)
	}
	mux.HandleFunc("/healthz", g.handleHealth)
	if g.opts.Metrics != nil {
		mux.Handle("/metrics", metrics.NewMetricsHandler(g.opts.Metrics, g.opts.Logger))
	}
	if g.opts.TokenVerifier != nil && g.opts.AuthorizationServer != "" {
		mux.HandleFunc(protectedResourcePath, g.handleProtectedResource)
	}
	return mux
}

type healthResponse struct {
	Status  string   `json:"status"`
	Tools   int      `json:"tools"`
	Servers []string `json:"servers"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, healthResponse{
		Status:  "ok",
		Tools:   g.features.Len(),
		Servers: g.executor.Servers(),
	})
}

type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

func (g *Gateway) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	meta := protectedResourceMetadata{
		Resource:               scheme + "://" + r.Host + g.opts.Path,
		AuthorizationServers:   []string{g.opts.AuthorizationServer},
		BearerMethodsSupported: []string{"header"},
	}
	if g.opts.TokenOptions != nil {
		meta.ScopesSupported = g.opts.TokenOptions.Scopes
	}
	writeJSON(w, meta)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
