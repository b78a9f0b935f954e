package mcpmgr

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcpchat-go/pkg/retry"
	"github.com/vikashloomba/mcpchat-go/pkg/serverconfig"
)

func TestGetOrConnectClientSharesOneConnectionJob(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	f.add("weather", newToolServer("weather", "forecast"))
	release := f.hold()
	m := newTestManager(t, serverconfig.NewMemorySource(enabledServer("weather")), f)

	const callers = 8
	clients := make([]*Client, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i] = m.GetOrConnectClient(context.Background(), "weather")
		}(i)
	}

	<-f.entered
	if got := m.State("weather"); got != StateConnecting {
		t.Fatalf("state while dialing = %s, expected %s", got, StateConnecting)
	}
	release()
	wg.Wait()

	if n := f.count("weather"); n != 1 {
		t.Fatalf("transport factory called %d times, expected 1", n)
	}
	for i, c := range clients {
		if c == nil {
			t.Fatalf("caller %d got nil client", i)
		}
		if c != clients[0] {
			t.Fatalf("caller %d got a different client instance", i)
		}
	}
	if got := m.State("weather"); got != StateConnected {
		t.Fatalf("state = %s, expected %s", got, StateConnected)
	}
	if m.GetExistingClient("weather") != clients[0] {
		t.Fatalf("GetExistingClient should return the registered client")
	}
}

func TestGetOrConnectClientFailsAfterRetries(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	f.failWith("broken", errors.New("connection refused"))
	m := newTestManager(t, serverconfig.NewMemorySource(enabledServer("broken")), f)

	var mu sync.Mutex
	var seen []ConnectionState
	m.OnStateChange(func(c StateChange) {
		mu.Lock()
		seen = append(seen, c.State)
		mu.Unlock()
	})

	if c := m.GetOrConnectClient(context.Background(), "broken"); c != nil {
		t.Fatalf("expected nil client for failing server")
	}
	if n := f.count("broken"); n != 3 {
		t.Fatalf("transport factory called %d times, expected 3", n)
	}
	if got := m.State("broken"); got != StateFailed {
		t.Fatalf("state = %s, expected %s", got, StateFailed)
	}
	if m.GetExistingClient("broken") != nil {
		t.Fatalf("failed server must not have a registered client")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != StateConnecting || seen[1] != StateFailed {
		t.Fatalf("transitions = %v, expected [connecting failed]", seen)
	}
}

func TestGetOrConnectClientIgnoresUnknownAndDisabledServers(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	disabled := enabledServer("off")
	disabled.Enabled = false
	m := newTestManager(t, serverconfig.NewMemorySource(disabled), f)

	if c := m.GetOrConnectClient(context.Background(), "off"); c != nil {
		t.Fatalf("disabled server returned a client")
	}
	if c := m.GetOrConnectClient(context.Background(), "missing"); c != nil {
		t.Fatalf("unknown server returned a client")
	}
	if f.count("off")+f.count("missing") != 0 {
		t.Fatalf("no connection attempt expected")
	}
	if got := m.State("missing"); got != StateDisconnected {
		t.Fatalf("absent server state = %s, expected %s", got, StateDisconnected)
	}
}

func TestDisconnectClientClosesAndDemotes(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	f.add("files", newToolServer("files", "read"))
	m := newTestManager(t, serverconfig.NewMemorySource(enabledServer("files")), f)

	c := m.GetOrConnectClient(context.Background(), "files")
	if c == nil {
		t.Fatalf("expected client")
	}
	m.DisconnectClient("files")

	if got := m.State("files"); got != StateDisconnected {
		t.Fatalf("state = %s, expected %s", got, StateDisconnected)
	}
	if m.GetExistingClient("files") != nil {
		t.Fatalf("client still registered after disconnect")
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client session not closed")
	}

	again := m.GetOrConnectClient(context.Background(), "files")
	if again == nil || again == c {
		t.Fatalf("expected a fresh client after reconnect")
	}
	if n := f.count("files"); n != 2 {
		t.Fatalf("transport factory called %d times, expected 2", n)
	}
}

func TestDisconnectCancelsInFlightJob(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	f.add("slow", newToolServer("slow", "wait"))
	release := f.hold()
	t.Cleanup(release)
	m := newTestManager(t, serverconfig.NewMemorySource(enabledServer("slow")), f)

	result := make(chan *Client, 1)
	go func() { result <- m.GetOrConnectClient(context.Background(), "slow") }()
	<-f.entered

	m.DisconnectClient("slow")

	select {
	case c := <-result:
		if c != nil {
			t.Fatalf("cancelled job returned a client")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("GetOrConnectClient did not return after disconnect")
	}
	// The job's failure is older than the disconnect and must not win.
	if got := m.State("slow"); got != StateDisconnected {
		t.Fatalf("state = %s, expected %s", got, StateDisconnected)
	}
}

func TestReconnectWaitsForCancelledJob(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	f.add("slow", newToolServer("slow", "wait"))

	var inFlight, peak atomic.Int32
	blocked := make(chan struct{})
	var first sync.Once
	factory := func(ctx context.Context, cfg serverconfig.ServerConfig) (mcp.Transport, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		isFirst := false
		first.Do(func() {
			isFirst = true
			close(blocked)
		})
		if isFirst {
			// Hang until cancelled, then tear down slowly.
			<-ctx.Done()
			time.Sleep(200 * time.Millisecond)
			return nil, ctx.Err()
		}
		return f.transport(ctx, cfg)
	}
	m := NewManager(serverconfig.NewMemorySource(enabledServer("slow")), &ManagerOptions{
		ClientName:       "manager-tests",
		ConnectTimeout:   5 * time.Second,
		CloseTimeout:     time.Second,
		ConnectRetry:     retry.Linear(3, time.Millisecond),
		TransportFactory: factory,
	})
	t.Cleanup(func() { m.Close() })

	go m.GetOrConnectClient(context.Background(), "slow")
	<-blocked
	m.DisconnectClient("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c := m.GetOrConnectClient(ctx, "slow"); c == nil {
		t.Fatalf("expected a client after reconnect")
	}
	if p := peak.Load(); p != 1 {
		t.Fatalf("peak concurrent connection attempts = %d, expected 1", p)
	}
	if got := m.State("slow"); got != StateConnected {
		t.Fatalf("state = %s, expected %s", got, StateConnected)
	}
}

func TestDialFactoryErrorIsOneLine(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	f.failWith("down", errors.New("connection refused"))
	m := newTestManager(t, serverconfig.NewMemorySource(enabledServer("down")), f)

	_, err := m.dial(context.Background(), enabledServer("down"))
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if msg := err.Error(); strings.Contains(msg, "\n") || !strings.Contains(msg, "down: connection refused") {
		t.Fatalf("unexpected error text %q", msg)
	}
}

func TestConnectionLossDemotesServer(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	f.add("flaky", newToolServer("flaky", "ping"))
	m := newTestManager(t, serverconfig.NewMemorySource(enabledServer("flaky")), f)

	if c := m.GetOrConnectClient(context.Background(), "flaky"); c == nil {
		t.Fatalf("expected client")
	}
	f.drop("flaky")

	waitFor(t, "demotion after connection loss", func() bool {
		return m.State("flaky") == StateDisconnected
	})
	if m.GetExistingClient("flaky") != nil {
		t.Fatalf("client still registered after connection loss")
	}
}

func TestStaleDemotionKeepsNewerConnection(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	f.add("a", newToolServer("a", "x"))
	m := newTestManager(t, serverconfig.NewMemorySource(enabledServer("a")), f)

	old := m.GetOrConnectClient(context.Background(), "a")
	if old == nil {
		t.Fatalf("expected client")
	}
	m.DisconnectClient("a")
	current := m.GetOrConnectClient(context.Background(), "a")
	if current == nil {
		t.Fatalf("expected reconnected client")
	}

	// Replay the old client's listener after the newer connection exists.
	m.wg.Add(1)
	m.listen("a", old)

	if got := m.State("a"); got != StateConnected {
		t.Fatalf("state = %s after stale demotion, expected %s", got, StateConnected)
	}
	if m.GetExistingClient("a") != current {
		t.Fatalf("newer client was replaced by a stale demotion")
	}
}

func TestTransitionDropsOlderGenerations(t *testing.T) {
	t.Parallel()

	st := &managedState{state: StateDisconnected}
	if _, ok := st.transition(StateConnected, 3); !ok {
		t.Fatalf("first transition should apply")
	}
	if _, ok := st.transition(StateDisconnected, 2); ok {
		t.Fatalf("older generation must be dropped")
	}
	if st.state != StateConnected || st.generation != 3 {
		t.Fatalf("state = %s@%d, expected connected@3", st.state, st.generation)
	}
	change, ok := st.transition(StateDisconnected, 3)
	if !ok || change.Previous != StateConnected {
		t.Fatalf("same generation should apply, got %+v ok=%v", change, ok)
	}
}

func TestRunResyncsOnEnabledSetChange(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	f.add("a", newToolServer("a", "x"))
	f.add("b", newToolServer("b", "y"))
	src := serverconfig.NewMemorySource(enabledServer("a"), enabledServer("b"))
	m := newTestManager(t, src, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, "both servers connected", func() bool {
		return m.State("a") == StateConnected && m.State("b") == StateConnected
	})
	clientA := m.GetExistingClient("a")

	src.SetEnabled("b", false)
	waitFor(t, "b disconnected", func() bool { return m.State("b") == StateDisconnected })

	if m.GetExistingClient("a") != clientA {
		t.Fatalf("unchanged server was reconnected")
	}
	if n := f.count("a"); n != 1 {
		t.Fatalf("server a dialed %d times, expected 1", n)
	}

	// A list with the same enabled set is not a resync trigger.
	src.Upsert(serverconfig.ServerConfig{ID: "c", URL: "http://c.invalid/sse"})
	time.Sleep(50 * time.Millisecond)
	if n := f.count("a"); n != 1 {
		t.Fatalf("server a dialed %d times after no-op change, expected 1", n)
	}
}

func TestManagerCloseDisconnectsEverything(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	f.add("a", newToolServer("a", "x"))
	f.add("b", newToolServer("b", "y"))
	m := newTestManager(t, serverconfig.NewMemorySource(enabledServer("a"), enabledServer("b")), f)

	ca := m.GetOrConnectClient(context.Background(), "a")
	cb := m.GetOrConnectClient(context.Background(), "b")
	if ca == nil || cb == nil {
		t.Fatalf("expected both clients")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for id, st := range m.States() {
		if st != StateDisconnected {
			t.Fatalf("server %s state = %s after Close", id, st)
		}
	}
	if m.GetOrConnectClient(context.Background(), "a") != nil {
		t.Fatalf("closed manager must not connect")
	}
}

func TestGetServerSummaries(t *testing.T) {
	t.Parallel()

	f := newMemoryFactory()
	f.add("b", newToolServer("b", "y"))
	off := enabledServer("a")
	off.Enabled = false
	m := newTestManager(t, serverconfig.NewMemorySource(enabledServer("b"), off), f)

	if m.GetOrConnectClient(context.Background(), "b") == nil {
		t.Fatalf("expected client")
	}
	summaries := m.GetServerSummaries()
	if len(summaries) != 2 {
		t.Fatalf("expected two summaries, got %d", len(summaries))
	}
	if summaries[0].ID != "a" || summaries[0].State != StateDisconnected || summaries[0].Enabled {
		t.Fatalf("unexpected summary for a: %+v", summaries[0])
	}
	if summaries[1].ID != "b" || summaries[1].State != StateConnected {
		t.Fatalf("unexpected summary for b: %+v", summaries[1])
	}
}
