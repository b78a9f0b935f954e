package serverconfig

import (
	"context"
	"net/http"
)

// Header is a single custom HTTP header attached to every request sent to a
// server. Headers are kept as an ordered list so they are replayed in the
// order the user configured them.
type Header struct {
	Name  string `json:"name" mapstructure:"name"`
	Value string `json:"value" mapstructure:"value"`
}

// ServerConfig describes one remote MCP tool server reachable over SSE.
type ServerConfig struct {
	// ID is the stable, unique identifier used to namespace the server's tools.
	ID string `json:"id" mapstructure:"id"`
	// URL is the SSE stream endpoint.
	URL string `json:"url" mapstructure:"url"`
	// Headers are attached to the stream request and to every POST.
	Headers []Header `json:"headers,omitempty" mapstructure:"headers"`
	// Enabled controls whether the server participates in the tool catalog.
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// HTTPHeader renders the ordered header list into an http.Header.
func (c ServerConfig) HTTPHeader() http.Header {
	if len(c.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(c.Headers))
	for _, hdr := range c.Headers {
		if hdr.Name == "" {
			continue
		}
		h.Add(hdr.Name, hdr.Value)
	}
	return h
}

// ToolDescriptor is a tool as reported by a server's tools/list response.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Source is the configuration collaborator consumed by the connection manager
// and the tool executor. Implementations own the server list; the core only
// reads it and writes back fetched tool descriptors.
type Source interface {
	// Observe returns a stream of server lists. The current list is delivered
	// first; the channel is closed when ctx is done.
	Observe(ctx context.Context) <-chan []ServerConfig
	// Snapshot returns the latest server list.
	Snapshot() []ServerConfig
	// PersistFetchedTools stores the descriptors last fetched from serverID.
	PersistFetchedTools(ctx context.Context, serverID string, tools []ToolDescriptor) error
}

// ToolCache is implemented by sources that can return previously persisted
// tool descriptors, for example after a process restart.
type ToolCache interface {
	CachedTools(serverID string) ([]ToolDescriptor, bool)
	// ForgetTools drops whatever was persisted for serverID.
	ForgetTools(serverID string) error
}
