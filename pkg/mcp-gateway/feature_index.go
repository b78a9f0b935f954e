package mcpgateway

import (
	"encoding/json"
	"maps"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcpchat-go/pkg/toolexec"
)

const (
	metaKeyServerID   = "mcpchat.server_id"
	metaKeyNativeName = "mcpchat.native_name"
)

// featureIndex tracks which catalog tools are registered on the downstream
// server so catalog changes can be applied as a diff.
type featureIndex struct {
	mu          sync.RWMutex
	tools       map[string]toolTarget
	serverTools map[string][]string
}

type toolTarget struct {
	GatewayName string
	ServerID    string
	NativeName  string
	fingerprint string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

func newFeatureIndex() *featureIndex {
	return &featureIndex{
		tools:       make(map[string]toolTarget),
		serverTools: make(map[string][]string),
	}
}

// UpdateTools replaces the indexed catalog with catalog. It returns the names
// that disappeared and the tools that are new or whose definition changed.
func (f *featureIndex) UpdateTools(catalog []toolexec.Tool) (removed []string, added []toolRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]toolTarget, len(catalog))
	serverTools := make(map[string][]string)
	for _, tool := range catalog {
		target := toolTarget{
			GatewayName: tool.Name,
			ServerID:    tool.ServerID,
			NativeName:  tool.OriginalName,
			fingerprint: fingerprint(tool),
		}
		next[tool.Name] = target
		serverTools[tool.ServerID] = append(serverTools[tool.ServerID], tool.Name)
		if prev, ok := f.tools[tool.Name]; ok && prev.fingerprint == target.fingerprint {
			continue
		}
		added = append(added, toolRegistration{Tool: downstreamTool(tool), Target: target})
	}
	for name := range f.tools {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	f.tools = next
	f.serverTools = serverTools
	return removed, added
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tools[name]
	return t, ok
}

// ServerTools returns the gateway names registered for serverID.
func (f *featureIndex) ServerTools(serverID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.serverTools[serverID]...)
}

func (f *featureIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.tools)
}

func downstreamTool(tool toolexec.Tool) *mcp.Tool {
	return &mcp.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: inputSchema(tool.InputSchema),
		Meta: withMeta(nil, map[string]any{
			metaKeyServerID:   tool.ServerID,
			metaKeyNativeName: tool.OriginalName,
		}),
	}
}

// inputSchema returns schema when it describes an object and a bare object
// schema otherwise, since the server only accepts object input schemas.
func inputSchema(schema map[string]any) any {
	if t, ok := schema["type"].(string); ok && t == "object" {
		return maps.Clone(schema)
	}
	return &jsonschema.Schema{Type: "object"}
}

func fingerprint(tool toolexec.Tool) string {
	data, err := json.Marshal(struct {
		Description string         `json:"d"`
		Schema      map[string]any `json:"s"`
	}{tool.Description, tool.InputSchema})
	if err != nil {
		return tool.Description
	}
	return string(data)
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
