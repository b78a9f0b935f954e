package serverconfig

import (
	"context"
	"sync"
)

// MemorySource is an in-process Source. Subscribers always observe the latest
// list: when a subscriber falls behind, intermediate lists are dropped.
type MemorySource struct {
	mu      sync.Mutex
	servers []ServerConfig
	subs    map[chan []ServerConfig]struct{}
	tools   map[string][]ToolDescriptor
}

// NewMemorySource creates a source seeded with servers.
func NewMemorySource(servers ...ServerConfig) *MemorySource {
	return &MemorySource{
		servers: cloneServers(servers),
		subs:    make(map[chan []ServerConfig]struct{}),
		tools:   make(map[string][]ToolDescriptor),
	}
}

// Observe implements Source.
func (s *MemorySource) Observe(ctx context.Context) <-chan []ServerConfig {
	ch := make(chan []ServerConfig, 1)
	s.mu.Lock()
	ch <- cloneServers(s.servers)
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// Snapshot implements Source.
func (s *MemorySource) Snapshot() []ServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneServers(s.servers)
}

// Set replaces the server list and notifies subscribers.
func (s *MemorySource) Set(servers []ServerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers = cloneServers(servers)
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- cloneServers(s.servers)
	}
}

// Upsert adds or replaces a single server.
func (s *MemorySource) Upsert(cfg ServerConfig) {
	list := s.Snapshot()
	replaced := false
	for i := range list {
		if list[i].ID == cfg.ID {
			list[i] = cfg
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, cfg)
	}
	s.Set(list)
}

// SetEnabled toggles a server, mirroring the settings switch in the UI.
func (s *MemorySource) SetEnabled(id string, enabled bool) {
	list := s.Snapshot()
	for i := range list {
		if list[i].ID == id {
			list[i].Enabled = enabled
		}
	}
	s.Set(list)
}

// Remove deletes a server from the list.
func (s *MemorySource) Remove(id string) {
	list := s.Snapshot()
	out := list[:0]
	for _, c := range list {
		if c.ID != id {
			out = append(out, c)
		}
	}
	s.Set(out)
}

// PersistFetchedTools implements Source.
func (s *MemorySource) PersistFetchedTools(_ context.Context, serverID string, tools []ToolDescriptor) error {
	s.mu.Lock()
	s.tools[serverID] = CloneTools(tools)
	s.mu.Unlock()
	return nil
}

// CachedTools implements ToolCache.
func (s *MemorySource) CachedTools(serverID string) ([]ToolDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools, ok := s.tools[serverID]
	return CloneTools(tools), ok
}

// ForgetTools implements ToolCache.
func (s *MemorySource) ForgetTools(serverID string) error {
	s.mu.Lock()
	delete(s.tools, serverID)
	s.mu.Unlock()
	return nil
}

func cloneServers(in []ServerConfig) []ServerConfig {
	out := make([]ServerConfig, len(in))
	for i, c := range in {
		c.Headers = append([]Header(nil), c.Headers...)
		out[i] = c
	}
	return out
}
