package serverconfig

// Helpers for inspecting server lists without forcing every consumer to loop
// over the slice itself.

// Find returns the configuration for id.
func Find(list []ServerConfig, id string) (ServerConfig, bool) {
	for _, c := range list {
		if c.ID == id {
			return c, true
		}
	}
	return ServerConfig{}, false
}

// Enabled returns the enabled servers in configuration order.
func Enabled(list []ServerConfig) []ServerConfig {
	out := make([]ServerConfig, 0, len(list))
	for _, c := range list {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// EnabledIDs returns the set of enabled server ids.
func EnabledIDs(list []ServerConfig) map[string]struct{} {
	ids := make(map[string]struct{}, len(list))
	for _, c := range list {
		if c.Enabled {
			ids[c.ID] = struct{}{}
		}
	}
	return ids
}

// SameIDSet reports whether a and b contain the same ids, ignoring order.
func SameIDSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

// CloneTools returns a deep-enough copy of tools so callers can hand the
// slice to another goroutine without sharing the backing array.
func CloneTools(tools []ToolDescriptor) []ToolDescriptor {
	if tools == nil {
		return nil
	}
	out := make([]ToolDescriptor, len(tools))
	copy(out, tools)
	return out
}
