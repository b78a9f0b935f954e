package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcpchat-go/pkg/retry"
	"github.com/vikashloomba/mcpchat-go/pkg/serverconfig"
)

// newToolServer returns an MCP server exposing one echo tool per name.
func newToolServer(name string, tools ...string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: name, Version: "test"}, nil)
	for _, tool := range tools {
		tool := tool
		srv.AddTool(&mcp.Tool{
			Name:        tool,
			Description: tool + " tool",
			InputSchema: map[string]any{"type": "object"},
		}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
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
	return srv
}

// memoryFactory hands out in-memory transports connected to registered
// servers and counts how often each server was dialed.
type memoryFactory struct {
	mu       sync.Mutex
	servers  map[string]*mcp.Server
	fail     map[string]error
	calls    map[string]int
	sessions map[string][]*mcp.ServerSession
	gate     chan struct{}
	entered  chan string
}

func newMemoryFactory() *memoryFactory {
	return &memoryFactory{
		servers:  make(map[string]*mcp.Server),
		fail:     make(map[string]error),
		calls:    make(map[string]int),
		sessions: make(map[string][]*mcp.ServerSession),
		entered:  make(chan string, 64),
	}
}

func (f *memoryFactory) add(id string, srv *mcp.Server) {
	f.mu.Lock()
	f.servers[id] = srv
	f.mu.Unlock()
}

func (f *memoryFactory) failWith(id string, err error) {
	f.mu.Lock()
	f.fail[id] = err
	f.mu.Unlock()
}

// hold makes every dial block until the returned release func is called.
func (f *memoryFactory) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *memoryFactory) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// drop closes the server side of every session for id.
func (f *memoryFactory) drop(id string) {
	f.mu.Lock()
	sessions := f.sessions[id]
	f.sessions[id] = nil
	f.mu.Unlock()
	for _, ss := range sessions {
		ss.Close()
	}
}

func (f *memoryFactory) transport(ctx context.Context, cfg serverconfig.ServerConfig) (mcp.Transport, error) {
	f.mu.Lock()
	f.calls[cfg.ID]++
	gate, failure, srv := f.gate, f.fail[cfg.ID], f.servers[cfg.ID]
	f.mu.Unlock()
	f.entered <- cfg.ID

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
	ss, err := srv.Connect(context.Background(), serverTransport, nil)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sessions[cfg.ID] = append(f.sessions[cfg.ID], ss)
	f.mu.Unlock()
	return clientTransport, nil
}

func newTestManager(t *testing.T, src serverconfig.Source, f *memoryFactory) *Manager {
	t.Helper()
	m := NewManager(src, &ManagerOptions{
		ClientName:       "manager-tests",
		ConnectTimeout:   5 * time.Second,
		CloseTimeout:     time.Second,
		ConnectRetry:     retry.Linear(3, time.Millisecond),
		TransportFactory: f.transport,
	})
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func enabledServer(id string) serverconfig.ServerConfig {
	return serverconfig.ServerConfig{ID: id, URL: "http://" + id + ".invalid/sse", Enabled: true}
}
