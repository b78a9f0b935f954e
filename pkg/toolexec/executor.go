// Package toolexec maps namespaced tool names to the servers that own them and
// executes tool calls through the connection manager.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcpchat-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcpchat-go/pkg/metrics"
	"github.com/vikashloomba/mcpchat-go/pkg/retry"
	"github.com/vikashloomba/mcpchat-go/pkg/serverconfig"
)

const (
	DefaultListToolsTimeout = 30 * time.Second
	DefaultCallToolTimeout  = 30 * time.Second
	// DefaultFetchParallelism caps concurrent tools/list requests in a refresh.
	DefaultFetchParallelism = 8
)

// DefaultFetchRetry is applied when Options.FetchRetry is unset.
var DefaultFetchRetry = retry.Exponential(3, time.Second)

// emptyResult is returned when a server answers a call with no result.
const emptyResult = `{"content":[]}`

// Options configures an Executor.
type Options struct {
	ListToolsTimeout time.Duration
	CallToolTimeout  time.Duration
	FetchRetry       retry.Policy
	FetchParallelism int
	Logger           *slog.Logger
	Metrics          metrics.Metrics
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.ListToolsTimeout <= 0 {
		out.ListToolsTimeout = DefaultListToolsTimeout
	}
	if out.CallToolTimeout <= 0 {
		out.CallToolTimeout = DefaultCallToolTimeout
	}
	if out.FetchRetry.MaxAttempts <= 0 {
		out.FetchRetry = DefaultFetchRetry
	}
	if out.FetchParallelism <= 0 {
		out.FetchParallelism = DefaultFetchParallelism
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Metrics == nil {
		out.Metrics = metrics.NoopMetrics{}
	}
	return out
}

// Executor owns the namespaced tool catalog and dispatches tool calls.
type Executor struct {
	manager *mcpmgr.Manager
	source  serverconfig.Source
	options Options
	logger  *slog.Logger

	current atomic.Pointer[catalog]

	mu       sync.Mutex
	refresh  *refreshJob
	built    bool
	handlers []func([]Tool)
}

type refreshJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an executor resolving clients through manager.
func New(manager *mcpmgr.Manager, source serverconfig.Source, opts *Options) *Executor {
	options := opts.withDefaults()
	e := &Executor{
		manager: manager,
		source:  source,
		options: options,
		logger:  options.Logger,
	}
	e.current.Store(newCatalog(nil))
	return e
}

// OnCatalogChange registers a callback invoked with the new tool list after
// every committed refresh. Handlers run without internal locks held.
func (e *Executor) OnCatalogChange(handler func([]Tool)) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	e.handlers = append(e.handlers, handler)
	e.mu.Unlock()
}

// RefreshToolMapping rebuilds the catalog. Without serverIDs every enabled
// server is fetched and the result replaces the catalog. With serverIDs only
// those servers are refetched and merged into the current catalog; a server
// that fails keeps its previous entries.
//
// At most one refresh runs at a time: starting a new one cancels the running
// one, whose caller gets ErrRefreshSuperseded and whose result is discarded.
//
// When a full refresh fails for every enabled server the previous catalog is
// kept, so it can still name tools of servers that are down. Executing one of
// those fails with ErrServerUnavailable.
func (e *Executor) RefreshToolMapping(ctx context.Context, serverIDs ...string) error {
	jobCtx, cancel := context.WithCancel(ctx)
	job := &refreshJob{cancel: cancel, done: make(chan struct{})}
	defer func() {
		cancel()
		close(job.done)
	}()

	e.mu.Lock()
	prev := e.refresh
	e.refresh = job
	e.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	kind := "full"
	if len(serverIDs) > 0 {
		kind = "partial"
	}
	started := time.Now()
	updates, err := e.fetch(jobCtx, serverIDs)

	e.mu.Lock()
	if e.refresh != job {
		e.mu.Unlock()
		e.logger.Debug("refresh superseded", "kind", kind)
		return ErrRefreshSuperseded
	}
	e.refresh = nil
	if err != nil {
		e.mu.Unlock()
		e.options.Metrics.ObserveRefresh(kind, err, time.Since(started))
		e.logger.Warn("tool mapping refresh failed", "kind", kind, "error", err)
		return err
	}
	var next *catalog
	if kind == "full" {
		next = newCatalog(updates)
		e.built = true
	} else {
		next = e.current.Load().merge(updates)
	}
	e.current.Store(next)
	handlers := append([]func([]Tool){}, e.handlers...)
	e.mu.Unlock()

	e.options.Metrics.ObserveRefresh(kind, nil, time.Since(started))
	e.options.Metrics.SetCatalogSize(len(next.tools))
	e.logger.Info("tool mapping refreshed", "kind", kind, "servers", len(next.byServer), "tools", len(next.tools))
	e.notify(handlers, next.list())
	return nil
}

// fetch lists the tools of the requested servers. The returned map holds an
// entry for every server whose tools should change in the catalog.
func (e *Executor) fetch(ctx context.Context, serverIDs []string) (map[string][]Tool, error) {
	enabled := serverconfig.EnabledIDs(e.source.Snapshot())
	full := len(serverIDs) == 0
	updates := make(map[string][]Tool)

	var targets []string
	if full {
		for id := range enabled {
			targets = append(targets, id)
		}
	} else {
		for _, id := range serverIDs {
			if _, ok := enabled[id]; !ok {
				// Disabled or removed servers drop out of the catalog.
				updates[id] = nil
				e.forgetCached(id)
				continue
			}
			targets = append(targets, id)
		}
	}

	var (
		mu       sync.Mutex
		failures []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.options.FetchParallelism)
	for _, id := range targets {
		id := id
		g.Go(func() error {
			tools, err := e.fetchServer(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", id, err))
				e.logger.Warn("skipping server in tool mapping", "server", id, "error", err)
				return nil
			}
			updates[id] = tools
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if full && len(targets) > 0 && len(failures) == len(targets) {
		return nil, fmt.Errorf("toolexec: every server failed: %w", errors.Join(failures...))
	}
	return updates, nil
}

func (e *Executor) fetchServer(ctx context.Context, serverID string) ([]Tool, error) {
	var upstream []*mcp.Tool
	err := e.options.FetchRetry.Do(ctx, func(ctx context.Context, attempt int) error {
		// The manager already retried the connection.
		client := e.manager.GetOrConnectClient(ctx, serverID)
		if client == nil {
			return retry.Permanent(ErrServerUnavailable)
		}
		listCtx, cancel := context.WithTimeout(ctx, e.options.ListToolsTimeout)
		defer cancel()
		tools, err := client.ListTools(listCtx)
		if err != nil {
			e.logger.Debug("listing tools failed", "server", serverID, "attempt", attempt, "error", err)
			return err
		}
		upstream = tools
		return nil
	})
	if err != nil {
		return nil, err
	}

	descriptors := descriptorsFromTools(upstream)
	if err := e.source.PersistFetchedTools(ctx, serverID, descriptors); err != nil {
		e.logger.Warn("persisting fetched tools failed", "server", serverID, "error", err)
	}
	return toolsFromDescriptors(serverID, descriptors), nil
}

// GetAvailableTools returns the catalog, waiting for a running refresh first.
// The first call builds the catalog; when a build fails the last known good
// catalog is returned.
func (e *Executor) GetAvailableTools(ctx context.Context) ([]Tool, error) {
	if err := e.awaitRefresh(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	built := e.built
	e.mu.Unlock()
	if !built {
		err := e.RefreshToolMapping(ctx)
		switch {
		case errors.Is(err, ErrRefreshSuperseded):
			if err := e.awaitRefresh(ctx); err != nil {
				return nil, err
			}
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		}
	}
	return e.current.Load().list(), nil
}

// Lookup resolves a namespaced name against the current catalog.
func (e *Executor) Lookup(name string) (Tool, bool) {
	return e.current.Load().lookup(name)
}

// Snapshot returns the current catalog without waiting for a refresh or
// building it.
func (e *Executor) Snapshot() []Tool {
	return e.current.Load().list()
}

// Servers returns the ids of servers that currently contribute tools.
func (e *Executor) Servers() []string {
	return e.current.Load().servers()
}

// ExecuteTool runs call and returns the result serialized as JSON. Failures
// are reported as *ExecError. A timed out call leaves the connection open.
func (e *Executor) ExecuteTool(ctx context.Context, call ToolCall) (string, error) {
	if err := e.awaitRefresh(ctx); err != nil {
		return "", err
	}
	name := call.Function.Name
	target, ok := e.current.Load().lookup(name)
	if !ok {
		return "", &ExecError{Kind: ErrToolNotMapped, Tool: name}
	}
	args, err := parseArguments(call.Function.Arguments)
	if err != nil {
		return "", &ExecError{Kind: ErrInvalidArguments, Tool: name, ServerID: target.ServerID, Detail: err.Error()}
	}
	client := e.manager.GetOrConnectClient(ctx, target.ServerID)
	if client == nil {
		return "", &ExecError{Kind: ErrServerUnavailable, Tool: name, ServerID: target.ServerID}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.options.CallToolTimeout)
	defer cancel()
	started := time.Now()
	res, err := client.CallTool(callCtx, target.OriginalName, args)
	elapsed := time.Since(started)

	switch {
	case err != nil && errors.Is(err, mcpmgr.ErrTimeout):
		e.options.Metrics.ObserveToolCall(target.ServerID, metrics.OutcomeTimeout, elapsed)
		return "", &ExecError{
			Kind:     ErrToolExecutionTimeout,
			Tool:     name,
			ServerID: target.ServerID,
			Detail:   fmt.Sprintf("no result after %s", e.options.CallToolTimeout),
			Err:      err,
		}
	case err != nil:
		e.options.Metrics.ObserveToolCall(target.ServerID, metrics.OutcomeFailure, elapsed)
		e.logger.Warn("tool call failed", "tool", name, "server", target.ServerID, "error", err)
		return "", &ExecError{
			Kind:     ErrToolExecutionFailed,
			Tool:     name,
			ServerID: target.ServerID,
			Detail:   "the tool could not be executed",
			Err:      err,
		}
	case res == nil:
		e.options.Metrics.ObserveToolCall(target.ServerID, metrics.OutcomeSuccess, elapsed)
		return emptyResult, nil
	case res.IsError:
		e.options.Metrics.ObserveToolCall(target.ServerID, metrics.OutcomeFailure, elapsed)
		return "", &ExecError{
			Kind:     ErrToolExecutionFailed,
			Tool:     name,
			ServerID: target.ServerID,
			Detail:   contentText(res.Content),
		}
	}
	e.options.Metrics.ObserveToolCall(target.ServerID, metrics.OutcomeSuccess, elapsed)

	payload := struct {
		Content           []mcp.Content `json:"content"`
		StructuredContent any           `json:"structuredContent,omitempty"`
	}{Content: res.Content, StructuredContent: res.StructuredContent}
	if payload.Content == nil {
		payload.Content = []mcp.Content{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", &ExecError{Kind: ErrToolExecutionFailed, Tool: name, ServerID: target.ServerID, Detail: "unserializable result", Err: err}
	}
	return string(data), nil
}

// Run follows the configuration source and rebuilds the catalog whenever the
// set of enabled servers changes. It returns when ctx is done.
func (e *Executor) Run(ctx context.Context) error {
	updates := e.source.Observe(ctx)
	var (
		last map[string]struct{}
		wg   sync.WaitGroup
	)
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case list, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			ids := serverconfig.EnabledIDs(list)
			if last != nil && serverconfig.SameIDSet(last, ids) {
				continue
			}
			last = ids
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := e.RefreshToolMapping(ctx)
				if err != nil && !errors.Is(err, ErrRefreshSuperseded) && ctx.Err() == nil {
					e.logger.Warn("background refresh failed", "error", err)
				}
			}()
		}
	}
}

// WarmFromCache seeds an empty catalog from previously persisted tool
// descriptors when the source supports it. It returns the number of tools
// loaded.
func (e *Executor) WarmFromCache(ctx context.Context) (int, error) {
	cache, ok := e.source.(serverconfig.ToolCache)
	if !ok {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	byServer := make(map[string][]Tool)
	for _, cfg := range serverconfig.Enabled(e.source.Snapshot()) {
		descriptors, found := cache.CachedTools(cfg.ID)
		if !found {
			continue
		}
		byServer[cfg.ID] = toolsFromDescriptors(cfg.ID, descriptors)
	}

	e.mu.Lock()
	if e.built || e.refresh != nil {
		e.mu.Unlock()
		return 0, nil
	}
	next := newCatalog(byServer)
	e.current.Store(next)
	e.built = len(next.tools) > 0
	handlers := append([]func([]Tool){}, e.handlers...)
	e.mu.Unlock()

	e.options.Metrics.SetCatalogSize(len(next.tools))
	e.logger.Info("tool catalog warmed from cache", "servers", len(next.byServer), "tools", len(next.tools))
	e.notify(handlers, next.list())
	return len(next.tools), nil
}

// forgetCached drops persisted tools of a server that left the enabled set,
// so a later warm start cannot resurrect them.
func (e *Executor) forgetCached(serverID string) {
	cache, ok := e.source.(serverconfig.ToolCache)
	if !ok {
		return
	}
	if err := cache.ForgetTools(serverID); err != nil {
		e.logger.Warn("forgetting cached tools failed", "server", serverID, "error", err)
	}
}

func (e *Executor) awaitRefresh(ctx context.Context) error {
	e.mu.Lock()
	job := e.refresh
	e.mu.Unlock()
	if job == nil {
		return nil
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) notify(handlers []func([]Tool), tools []Tool) {
	for _, h := range handlers {
		func(handler func([]Tool)) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("catalog change handler panicked", "panic", r)
				}
			}()
			handler(tools)
		}(h)
	}
}

func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	args, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be a JSON object, got %s", jsonKind(decoded))
	}
	return args, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if text, ok := c.(*mcp.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) == 0 {
		return "the tool reported an error"
	}
	return strings.Join(parts, "\n")
}
