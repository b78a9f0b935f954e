package mcpmgr

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcpchat-go/pkg/metrics"
	"github.com/vikashloomba/mcpchat-go/pkg/retry"
	"github.com/vikashloomba/mcpchat-go/pkg/serverconfig"
)

const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
	DefaultClientName     = "mcpchat"
	DefaultClientVersion  = "1.0.0"
)

// DefaultConnectRetry is applied when ManagerOptions.ConnectRetry is unset.
var DefaultConnectRetry = retry.Linear(3, time.Second)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// TransportFactory builds the transport used to reach a server. The manager
// calls it once per connection attempt.
type TransportFactory func(ctx context.Context, cfg serverconfig.ServerConfig) (mcp.Transport, error)

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// ClientName and ClientVersion are advertised during initialization.
	ClientName    string
	ClientVersion string
	// ConnectTimeout bounds each connection attempt, handshake and
	// initialization included.
	ConnectTimeout time.Duration
	// CloseTimeout bounds closing a client.
	CloseTimeout time.Duration
	// ConnectRetry is the attempt policy for a connection job.
	ConnectRetry retry.Policy
	// HTTPClient is used by the default SSE transport factory.
	HTTPClient *http.Client
	// TransportFactory overrides how transports are built. Defaults to an
	// SSETransport carrying the server's configured headers.
	TransportFactory TransportFactory
	// LogJSONRPC logs every JSON-RPC message at debug level unless RPCLogger
	// is set, which takes precedence.
	LogJSONRPC bool
	RPCLogger  RPCLogger
	Logger     *slog.Logger
	Metrics    metrics.Metrics
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var out ManagerOptions
	if o != nil {
		out = *o
	}
	if out.ClientName == "" {
		out.ClientName = DefaultClientName
	}
	if out.ClientVersion == "" {
		out.ClientVersion = DefaultClientVersion
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.CloseTimeout <= 0 {
		out.CloseTimeout = DefaultCloseTimeout
	}
	if out.ConnectRetry.MaxAttempts <= 0 {
		out.ConnectRetry = DefaultConnectRetry
	}
	if out.HTTPClient == nil {
		out.HTTPClient = http.DefaultClient
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Metrics == nil {
		out.Metrics = metrics.NoopMetrics{}
	}
	return out
}

func (o *ManagerOptions) rpcLogger() RPCLogger {
	if o.RPCLogger != nil {
		return o.RPCLogger
	}
	if !o.LogJSONRPC {
		return nil
	}
	logger := o.Logger
	return func(ev RPCLogEvent) {
		logger.Debug("jsonrpc", "server", ev.ServerID, "direction", ev.Direction, "message", string(ev.Message))
	}
}
