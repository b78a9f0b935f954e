package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcpchat-go/pkg/serverconfig"
)

// Manager keeps one live client per enabled server and tracks the state of
// every connection.
type Manager struct {
	source  serverconfig.Source
	options ManagerOptions
	logger  *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu             sync.Mutex
	closed         bool
	generation     uint64
	states         map[string]*managedState
	pending        []StateChange
	changeHandlers []func(StateChange)
}

// NewManager creates a manager reading server configurations from source.
// Callers can provide nil options to fall back to the defaults.
func NewManager(source serverconfig.Source, opts *ManagerOptions) *Manager {
	options := opts.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		source:     source,
		options:    options,
		logger:     options.Logger,
		rootCtx:    ctx,
		rootCancel: cancel,
		states:     make(map[string]*managedState),
	}
	if m.options.TransportFactory == nil {
		m.options.TransportFactory = m.sseTransport
	}
	return m
}

// GetOrConnectClient returns the live client for id, connecting first when
// needed. Concurrent callers for the same id share one connection job. It
// returns nil when the server is unknown, disabled or the job failed; the
// failure is visible through State.
func (m *Manager) GetOrConnectClient(ctx context.Context, id string) *Client {
	cfg, ok := serverconfig.Find(m.source.Snapshot(), id)
	if !ok || !cfg.Enabled {
		m.logger.Debug("server not enabled", "server", id)
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	st := m.stateLocked(id)
	if st.state == StateConnected && st.client != nil {
		client := st.client
		m.mu.Unlock()
		return client
	}
	job := st.job
	if job == nil {
		job = m.startJobLocked(id, st, cfg)
	}
	m.unlockAndNotify()

	select {
	case <-job.done:
		return job.client
	case <-ctx.Done():
		return nil
	}
}

// GetExistingClient returns the live client for id without connecting.
func (m *Manager) GetExistingClient(id string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok && st.state == StateConnected {
		return st.client
	}
	return nil
}

// DisconnectClient cancels any in-flight connection job for id, closes the
// client and marks the server disconnected. A later GetOrConnectClient starts
// dialing only after the cancelled job has returned.
func (m *Manager) DisconnectClient(id string) {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	job, client := st.job, st.client
	st.job, st.client = nil, nil
	if job != nil {
		st.cancelling = job
	}
	m.generation++
	m.applyLocked(id, st, StateDisconnected, m.generation)
	m.unlockAndNotify()

	if job != nil {
		job.cancel()
	}
	if client != nil {
		if err := client.Close(); err != nil {
			m.logger.Warn("closing client failed", "server", id, "error", err)
		}
		m.logger.Info("disconnected", "server", id)
	}
}

// State returns the connection state of id.
func (m *Manager) State(id string) ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok {
		return st.state
	}
	return StateDisconnected
}

// States returns a copy of the connection state table.
func (m *Manager) States() map[string]ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ConnectionState, len(m.states))
	for id, st := range m.states {
		out[id] = st.state
	}
	return out
}

// GetServerSummaries reports every configured server with its state, sorted
// by id.
func (m *Manager) GetServerSummaries() []ServerSummary {
	servers := m.source.Snapshot()
	m.mu.Lock()
	out := make([]ServerSummary, 0, len(servers))
	for _, cfg := range servers {
		summary := ServerSummary{ID: cfg.ID, URL: cfg.URL, Enabled: cfg.Enabled, State: StateDisconnected}
		if st, ok := m.states[cfg.ID]; ok {
			summary.State = st.state
			summary.Generation = st.generation
		}
		out = append(out, summary)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnStateChange registers a callback invoked after every applied transition.
// Handlers run without the manager lock held.
func (m *Manager) OnStateChange(handler func(StateChange)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.changeHandlers = append(m.changeHandlers, handler)
	m.mu.Unlock()
}

// Run follows the configuration source until ctx is done. Whenever the set of
// enabled server ids changes, servers that left the set are disconnected and
// every enabled server is connected independently.
func (m *Manager) Run(ctx context.Context) error {
	updates := m.source.Observe(ctx)
	var last map[string]struct{}
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
			m.resync(ctx, ids)
		}
	}
}

func (m *Manager) resync(ctx context.Context, enabled map[string]struct{}) {
	m.mu.Lock()
	var stale []string
	for id, st := range m.states {
		if _, ok := enabled[id]; ok {
			continue
		}
		if st.state != StateDisconnected || st.client != nil || st.job != nil {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.DisconnectClient(id)
	}
	m.logger.Info("resyncing connections", "enabled", len(enabled), "disconnected", len(stale))
	for id := range enabled {
		go m.GetOrConnectClient(ctx, id)
	}
}

// Close disconnects every server and waits for background work to stop.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.DisconnectClient(id)
	}
	m.rootCancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) stateLocked(id string) *managedState {
	st, ok := m.states[id]
	if !ok {
		st = &managedState{state: StateDisconnected}
		m.states[id] = st
	}
	return st
}

func (m *Manager) startJobLocked(id string, st *managedState, cfg serverconfig.ServerConfig) *connectJob {
	m.generation++
	ctx, cancel := context.WithCancel(m.rootCtx)
	job := &connectJob{
		generation: m.generation,
		cancel:     cancel,
		done:       make(chan struct{}),
		prev:       st.cancelling,
	}
	st.job, st.cancelling = job, nil
	m.applyLocked(id, st, StateConnecting, job.generation)
	m.wg.Add(1)
	go m.runJob(ctx, id, cfg, job)
	return job
}

func (m *Manager) runJob(ctx context.Context, id string, cfg serverconfig.ServerConfig, job *connectJob) {
	defer m.wg.Done()
	defer close(job.done)
	defer job.cancel()

	if prev := job.prev; prev != nil {
		// prev was cancelled, so this wait is bounded by its teardown.
		<-prev.done
		job.prev = nil
	}

	started := time.Now()
	var client *Client
	err := m.options.ConnectRetry.Do(ctx, func(ctx context.Context, attempt int) error {
		c, err := m.dial(ctx, cfg)
		m.options.Metrics.ObserveConnectAttempt(id, err)
		if err != nil {
			m.logger.Warn("connection attempt failed", "server", id, "attempt", attempt, "error", err)
			return err
		}
		client = c
		return nil
	})

	m.mu.Lock()
	st := m.states[id]
	current := st != nil && st.job == job && !m.closed
	if current {
		st.job = nil
	}
	if st != nil && st.cancelling == job {
		st.cancelling = nil
	}
	if err != nil || !current {
		if current {
			m.applyLocked(id, st, StateFailed, job.generation)
		}
		m.unlockAndNotify()
		if client != nil {
			_ = client.Close()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("connection failed", "server", id, "error", err)
		}
		return
	}
	client.generation = job.generation
	st.client = client
	m.applyLocked(id, st, StateConnected, job.generation)
	job.client = client
	m.wg.Add(1)
	go m.listen(id, client)
	m.unlockAndNotify()

	m.options.Metrics.ObserveConnectDuration(id, time.Since(started))
	m.logger.Info("connected", "server", id, "session", client.SessionID())
}

func (m *Manager) dial(ctx context.Context, cfg serverconfig.ServerConfig) (*Client, error) {
	ctx, cancel := withTimeout(ctx, m.options.ConnectTimeout)
	defer cancel()
	transport, err := m.options.TransportFactory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, cfg.ID, err)
	}
	return Dial(ctx, cfg.ID, transport, &ClientOptions{
		Name:         m.options.ClientName,
		Version:      m.options.ClientVersion,
		CloseTimeout: m.options.CloseTimeout,
		RPCLogger:    m.options.rpcLogger(),
	})
}

func (m *Manager) sseTransport(_ context.Context, cfg serverconfig.ServerConfig) (mcp.Transport, error) {
	t, err := NewSSETransport(cfg.URL, &SSETransportOptions{
		HTTPClient: m.options.HTTPClient,
		Headers:    cfg.HTTPHeader(),
	})
	if err != nil {
		return nil, err
	}
	t.OnError(func(err error) {
		m.logger.Debug("transport error", "server", cfg.ID, "error", err)
	})
	return t, nil
}

// listen demotes the server once the client's session ends, unless a newer
// generation has taken over in the meantime.
func (m *Manager) listen(id string, client *Client) {
	defer m.wg.Done()
	select {
	case <-client.Done():
	case <-m.rootCtx.Done():
		return
	}

	m.mu.Lock()
	st, ok := m.states[id]
	if !ok || st.client != client || st.generation != client.generation {
		m.mu.Unlock()
		return
	}
	st.client = nil
	m.applyLocked(id, st, StateDisconnected, client.generation)
	m.unlockAndNotify()

	_ = client.Close()
	m.logger.Warn("connection lost", "server", id, "error", client.Err())
}

func (m *Manager) applyLocked(id string, st *managedState, next ConnectionState, gen uint64) {
	change, ok := st.transition(next, gen)
	if !ok {
		m.logger.Debug("dropping stale transition", "server", id, "state", next, "generation", gen, "current", st.generation)
		return
	}
	change.ServerID = id
	m.pending = append(m.pending, change)
}

// unlockAndNotify releases m.mu and delivers queued transitions to handlers
// outside the lock.
func (m *Manager) unlockAndNotify() {
	pending := m.pending
	m.pending = nil
	handlers := append([]func(StateChange){}, m.changeHandlers...)
	m.mu.Unlock()

	for _, change := range pending {
		m.options.Metrics.SetConnectionState(change.ServerID, string(change.State))
		for _, h := range handlers {
			func(handler func(StateChange)) {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("state change handler panicked", "server", change.ServerID, "panic", r)
					}
				}()
				handler(change)
			}(h)
		}
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
