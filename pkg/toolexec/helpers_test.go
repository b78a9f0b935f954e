package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcpchat-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcpchat-go/pkg/retry"
	"github.com/vikashloomba/mcpchat-go/pkg/serverconfig"
)

// testServer is an MCP server whose tool handlers count their invocations.
type testServer struct {
	*mcp.Server
	invocations atomic.Int64
}

func newTestServer(name string, tools ...string) *testServer {
	ts := &testServer{Server: mcp.NewServer(&mcp.Implementation{Name: name, Version: "test"}, nil)}
	for _, tool := range tools {
		tool := tool
		ts.AddTool(&mcp.Tool{
			Name:        tool,
			Description: tool + " tool",
			InputSchema: map[string]any{"type": "object"},
		}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			ts.invocations.Add(1)
			var args map[string]any
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return nil, err
				}
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%s/%s %v", name, tool, args)}},
			}, nil
		})
	}
	return ts
}

// fakeServers plugs in-memory MCP servers into a Manager.
type fakeServers struct {
	mu      sync.Mutex
	servers map[string]*mcp.Server
	fail    map[string]error
	dials   map[string]int
	gate    chan struct{}
	entered chan string
}

func newFakeServers() *fakeServers {
	return &fakeServers{
		servers: make(map[string]*mcp.Server),
		fail:    make(map[string]error),
		dials:   make(map[string]int),
		entered: make(chan string, 64),
	}
}

func (f *fakeServers) add(id string, srv *mcp.Server) {
	f.mu.Lock()
	f.servers[id] = srv
	delete(f.fail, id)
	f.mu.Unlock()
}

func (f *fakeServers) failWith(id string, err error) {
	f.mu.Lock()
	f.fail[id] = err
	f.mu.Unlock()
}

func (f *fakeServers) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeServers) dialCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[id]
}

func (f *fakeServers) transport(ctx context.Context, cfg serverconfig.ServerConfig) (mcp.Transport, error) {
	f.mu.Lock()
	f.dials[cfg.ID]++
	gate, failure, srv := f.gate, f.fail[cfg.ID], f.servers[cfg.ID]
	f.mu.Unlock()
	select {
	case f.entered <- cfg.ID:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	if srv == nil {
		return nil, fmt.Errorf("no test server for %q", cfg.ID)
	}
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	if _, err := srv.Connect(context.Background(), serverTransport, nil); err != nil {
		return nil, err
	}
	return clientTransport, nil
}

type harness struct {
	source   *serverconfig.MemorySource
	servers  *fakeServers
	manager  *mcpmgr.Manager
	executor *Executor
}

func newHarness(t *testing.T, opts *Options, configs ...serverconfig.ServerConfig) *harness {
	t.Helper()
	return newHarnessWithConnectRetry(t, retry.Linear(1, time.Millisecond), opts, configs...)
}

func newHarnessWithConnectRetry(t *testing.T, connect retry.Policy, opts *Options, configs ...serverconfig.ServerConfig) *harness {
	t.Helper()
	h := &harness{
		source:  serverconfig.NewMemorySource(configs...),
		servers: newFakeServers(),
	}
	h.manager = mcpmgr.NewManager(h.source, &mcpmgr.ManagerOptions{
		ClientName:       "toolexec-tests",
		ConnectTimeout:   5 * time.Second,
		CloseTimeout:     time.Second,
		ConnectRetry:     connect,
		TransportFactory: h.servers.transport,
	})
	t.Cleanup(func() { h.manager.Close() })

	var o Options
	if opts != nil {
		o = *opts
	}
	if o.FetchRetry.MaxAttempts == 0 {
		o.FetchRetry = retry.Linear(2, time.Millisecond)
	}
	h.executor = New(h.manager, h.source, &o)
	return h
}

func server(id string) serverconfig.ServerConfig {
	return serverconfig.ServerConfig{ID: id, URL: "http://" + id + ".invalid/sse", Enabled: true}
}

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}

func call(name, args string) ToolCall {
	return ToolCall{ID: "call-1", Function: FunctionCall{Name: name, Arguments: args}}
}
