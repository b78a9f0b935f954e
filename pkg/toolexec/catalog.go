package toolexec

import (
	"encoding/json"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcpchat-go/pkg/serverconfig"
)

// catalog is an immutable mapping from namespaced tool names to their owning
// server. Refreshes build a new catalog and swap it in.
type catalog struct {
	byServer map[string][]Tool
	index    map[string]Tool
	tools    []Tool
}

func newCatalog(byServer map[string][]Tool) *catalog {
	c := &catalog{
		byServer: make(map[string][]Tool, len(byServer)),
		index:    make(map[string]Tool),
	}
	for serverID, tools := range byServer {
		if len(tools) == 0 {
			continue
		}
		c.byServer[serverID] = tools
		for _, tool := range tools {
			c.index[tool.Name] = tool
		}
	}
	c.tools = make([]Tool, 0, len(c.index))
	for _, tool := range c.index {
		c.tools = append(c.tools, tool)
	}
	sort.Slice(c.tools, func(i, j int) bool { return c.tools[i].Name < c.tools[j].Name })
	return c
}

// merge returns a catalog where every server in updates is replaced by its new
// tool list and all other servers are kept. A nil list removes the server.
func (c *catalog) merge(updates map[string][]Tool) *catalog {
	next := make(map[string][]Tool, len(c.byServer)+len(updates))
	for serverID, tools := range c.byServer {
		next[serverID] = tools
	}
	for serverID, tools := range updates {
		next[serverID] = tools
	}
	return newCatalog(next)
}

func (c *catalog) lookup(name string) (Tool, bool) {
	tool, ok := c.index[name]
	return tool, ok
}

// list returns a copy of the tools sorted by name.
func (c *catalog) list() []Tool {
	return append([]Tool(nil), c.tools...)
}

func (c *catalog) servers() []string {
	ids := make([]string, 0, len(c.byServer))
	for id := range c.byServer {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func toolsFromDescriptors(serverID string, descriptors []serverconfig.ToolDescriptor) []Tool {
	tools := make([]Tool, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Name == "" {
			continue
		}
		tools = append(tools, Tool{
			Name:         Namespace(serverID, d.Name),
			OriginalName: d.Name,
			ServerID:     serverID,
			Description:  d.Description,
			InputSchema:  d.InputSchema,
		})
	}
	return tools
}

func descriptorsFromTools(upstream []*mcp.Tool) []serverconfig.ToolDescriptor {
	out := make([]serverconfig.ToolDescriptor, 0, len(upstream))
	for _, tool := range upstream {
		if tool == nil || tool.Name == "" {
			continue
		}
		out = append(out, serverconfig.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaMap(tool.InputSchema),
		})
	}
	return out
}

// schemaMap normalizes whatever the SDK decoded into a plain JSON object.
func schemaMap(schema any) map[string]any {
	switch s := schema.(type) {
	case nil:
		return nil
	case map[string]any:
		return s
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
