// Package mcpmgr keeps long-lived connections to a dynamically configured set
// of remote MCP tool servers reachable over Server-Sent Events.
//
// # Core entry points
//
//   - SSETransport is the wire layer: it opens the event stream, waits for the
//     server's "endpoint" event and POSTs outbound JSON-RPC messages there. It
//     implements mcp.Transport so the go-sdk client can drive it.
//   - Client wraps an initialized mcp.ClientSession with the two operations
//     the tool layer needs, ListTools and CallTool, and maps failures onto
//     ErrConnectFailed, ErrTimeout and ErrProtocol.
//   - Manager owns one Client per enabled server. GetOrConnectClient joins or
//     starts the single connection job for a server; Run follows the
//     configuration source and reconnects when the enabled set changes.
//
// Every state transition carries a generation. A transition older than the
// one already applied is dropped, so a late disconnect from a replaced client
// never demotes its successor. Observe transitions with OnStateChange or
// States; ManagerOptions.Metrics exports them to prometheus.
package mcpmgr
