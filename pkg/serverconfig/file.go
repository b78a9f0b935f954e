package serverconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ToolNameDelimiter separates the server id from the tool name in namespaced
// tool names. Server ids must not contain it.
const ToolNameDelimiter = "___"

// ServersKey is the configuration key holding the server list.
const ServersKey = "servers"

// FileSource reads the server list from a viper-managed configuration file
// and republishes it whenever the file changes on disk.
type FileSource struct {
	v      *viper.Viper
	mem    *MemorySource
	store  *ToolStore
	logger *slog.Logger
}

// NewFileSource loads the server list from v. store may be nil, in which case
// fetched tools are only kept in memory.
func NewFileSource(v *viper.Viper, store *ToolStore, logger *slog.Logger) (*FileSource, error) {
	if v == nil {
		return nil, fmt.Errorf("serverconfig: viper instance is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	servers, err := Load(v)
	if err != nil {
		return nil, err
	}
	src := &FileSource{
		v:      v,
		mem:    NewMemorySource(servers...),
		store:  store,
		logger: logger,
	}
	src.pruneStore(servers)
	return src, nil
}

// Load decodes and validates the server list held by v.
func Load(v *viper.Viper) ([]ServerConfig, error) {
	var servers []ServerConfig
	if err := v.UnmarshalKey(ServersKey, &servers); err != nil {
		return nil, fmt.Errorf("serverconfig: decode %q: %w", ServersKey, err)
	}
	if err := Validate(servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// Validate checks a server list for problems that would break namespacing or
// connection setup.
func Validate(servers []ServerConfig) error {
	var errs []error
	seen := make(map[string]struct{}, len(servers))
	for i, s := range servers {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("servers[%d]: id is required", i))
			continue
		case strings.Contains(s.ID, ToolNameDelimiter):
			errs = append(errs, fmt.Errorf("servers[%d]: id %q must not contain %q", i, s.ID, ToolNameDelimiter))
		}
		if _, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = struct{}{}
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: invalid url %q", i, s.URL))
		}
	}
	return errors.Join(errs...)
}

// Watch starts watching the configuration file. Invalid edits are logged and
// ignored so the last valid list stays in effect.
func (s *FileSource) Watch() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		servers, err := Load(s.v)
		if err != nil {
			s.logger.Warn("ignoring invalid server configuration", "file", e.Name, "error", err)
			return
		}
		s.logger.Info("server configuration reloaded", "file", e.Name, "servers", len(servers))
		s.mem.Set(servers)
		s.pruneStore(servers)
	})
	s.v.WatchConfig()
}

// Observe implements Source.
func (s *FileSource) Observe(ctx context.Context) <-chan []ServerConfig {
	return s.mem.Observe(ctx)
}

// Snapshot implements Source.
func (s *FileSource) Snapshot() []ServerConfig {
	return s.mem.Snapshot()
}

// PersistFetchedTools implements Source.
func (s *FileSource) PersistFetchedTools(ctx context.Context, serverID string, tools []ToolDescriptor) error {
	if s.store == nil {
		return s.mem.PersistFetchedTools(ctx, serverID, tools)
	}
	return s.store.Put(serverID, tools)
}

// CachedTools implements ToolCache.
func (s *FileSource) CachedTools(serverID string) ([]ToolDescriptor, bool) {
	if s.store == nil {
		return s.mem.CachedTools(serverID)
	}
	tools, ok, err := s.store.Get(serverID)
	if err != nil {
		s.logger.Warn("reading cached tools failed", "server", serverID, "error", err)
		return nil, false
	}
	return tools, ok
}

// ForgetTools implements ToolCache.
func (s *FileSource) ForgetTools(serverID string) error {
	if s.store == nil {
		return s.mem.ForgetTools(serverID)
	}
	return s.store.Delete(serverID)
}

// pruneStore drops stored descriptors of servers that are no longer
// configured.
func (s *FileSource) pruneStore(servers []ServerConfig) {
	if s.store == nil {
		return
	}
	ids, err := s.store.ServerIDs()
	if err != nil {
		s.logger.Warn("listing stored tools failed", "error", err)
		return
	}
	for _, id := range ids {
		if _, ok := Find(servers, id); ok {
			continue
		}
		if err := s.store.Delete(id); err != nil {
			s.logger.Warn("dropping stored tools failed", "server", id, "error", err)
			continue
		}
		s.logger.Debug("dropped stored tools of removed server", "server", id)
	}
}
