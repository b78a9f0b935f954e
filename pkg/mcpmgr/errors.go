package mcpmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice on a transport.
	ErrAlreadyStarted = errors.New("mcpmgr: transport already started")
	// ErrNotConnected is returned when sending before the endpoint handshake
	// completed or after the transport closed.
	ErrNotConnected = errors.New("mcpmgr: transport not connected")
	// ErrNotInitialized is returned when closing a transport that was never
	// started.
	ErrNotInitialized = errors.New("mcpmgr: transport not initialized")
	// ErrSendFailed matches every *SendError.
	ErrSendFailed = errors.New("mcpmgr: send failed")
	// ErrStreamError is reported when the server emits an "error" event.
	ErrStreamError = errors.New("mcpmgr: server reported stream error")
	// ErrStreamClosed is reported when the event stream ends unexpectedly.
	ErrStreamClosed = errors.New("mcpmgr: event stream closed")

	// ErrConnectFailed wraps any failure while opening a client session.
	ErrConnectFailed = errors.New("mcpmgr: connect failed")
	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("mcpmgr: request timed out")
	// ErrProtocol wraps protocol level failures reported by a session.
	ErrProtocol = errors.New("mcpmgr: protocol error")
)

// SendError reports a non-2xx response to an outbound POST.
type SendError struct {
	StatusCode int
	Body       string
}

func (e *SendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mcpmgr: send failed: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("mcpmgr: send failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrSendFailed) match.
func (e *SendError) Is(target error) bool { return target == ErrSendFailed }
