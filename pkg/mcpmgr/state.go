package mcpmgr

// ConnectionState represents the lifecycle of a managed connection. A server
// without an entry is StateDisconnected.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
)

// StateChange describes a single applied transition.
type StateChange struct {
	ServerID   string
	Previous   ConnectionState
	State      ConnectionState
	Generation uint64
}

// ServerSummary aggregates status information for a managed server.
type ServerSummary struct {
	ID         string
	URL        string
	Enabled    bool
	State      ConnectionState
	Generation uint64
}

type managedState struct {
	state ConnectionState
	// generation of the last applied transition. Transitions carrying an
	// older generation are dropped.
	generation uint64
	client     *Client
	job        *connectJob
	// cancelling is a job cancelled by DisconnectClient that has not
	// returned yet. The next job waits for it before dialing.
	cancelling *connectJob
}

type connectJob struct {
	generation uint64
	cancel     func()
	done       chan struct{}
	client     *Client
	prev       *connectJob
}

// transition applies next if gen is not older than the stored generation.
func (s *managedState) transition(next ConnectionState, gen uint64) (StateChange, bool) {
	if gen < s.generation {
		return StateChange{}, false
	}
	change := StateChange{Previous: s.state, State: next, Generation: gen}
	s.state = next
	s.generation = gen
	return change, true
}
