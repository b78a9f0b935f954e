package mcpgateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcpchat-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcpchat-go/pkg/retry"
	"github.com/vikashloomba/mcpchat-go/pkg/serverconfig"
	"github.com/vikashloomba/mcpchat-go/pkg/toolexec"
)

// upstreams serves registered MCP servers over in-memory transports.
type upstreams struct {
	mu      sync.Mutex
	servers map[string]*mcp.Server
}

func (u *upstreams) transport(_ context.Context, cfg serverconfig.ServerConfig) (mcp.Transport, error) {
	u.mu.Lock()
	srv := u.servers[cfg.ID]
	u.mu.Unlock()
	if srv == nil {
		return nil, fmt.Errorf("no upstream %q", cfg.ID)
	}
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	if _, err := srv.Connect(context.Background(), serverTransport, nil); err != nil {
		return nil, err
	}
	return clientTransport, nil
}

type testStack struct {
	source   *serverconfig.MemorySource
	executor *toolexec.Executor
}

// newTestStack wires a manager and executor over the given upstream servers.
// Every server is enabled.
func newTestStack(t *testing.T, servers map[string]*mcp.Server) *testStack {
	t.Helper()
	u := &upstreams{servers: servers}
	var configs []serverconfig.ServerConfig
	for id := range servers {
		configs = append(configs, serverconfig.ServerConfig{ID: id, URL: "http://" + id + ".invalid/sse", Enabled: true})
	}
	source := serverconfig.NewMemorySource(configs...)
	manager := mcpmgr.NewManager(source, &mcpmgr.ManagerOptions{
		ConnectTimeout:   5 * time.Second,
		CloseTimeout:     time.Second,
		ConnectRetry:     retry.Linear(1, time.Millisecond),
		TransportFactory: u.transport,
	})
	t.Cleanup(func() { manager.Close() })
	exec := toolexec.New(manager, source, &toolexec.Options{
		FetchRetry:      retry.Linear(1, time.Millisecond),
		CallToolTimeout: 5 * time.Second,
	})
	return &testStack{source: source, executor: exec}
}

func echoServer(name string, tools ...string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: name, Version: "test"}, nil)
	for _, tool := range tools {
		tool := tool
		srv.AddTool(&mcp.Tool{
			Name:        tool,
			Description: tool + " on " + name,
			InputSchema: map[string]any{"type": "object"},
		}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%s/%s %s", name, tool, req.Params.Arguments)}},
			}, nil
		})
	}
	return srv
}
