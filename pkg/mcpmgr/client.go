package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ClientOptions configures Dial.
type ClientOptions struct {
	Name         string
	Version      string
	CloseTimeout time.Duration
	// RPCLogger, when set, observes every JSON-RPC message on the session.
	RPCLogger RPCLogger
}

// Client is an initialized MCP session with one server.
type Client struct {
	serverID     string
	session      *mcp.ClientSession
	closeTimeout time.Duration
	generation   uint64

	done      chan struct{}
	waitErr   error
	closeOnce sync.Once
	closeErr  error
}

// Dial starts transport and performs the MCP initialize handshake. Every
// failure is reported as ErrConnectFailed.
func Dial(ctx context.Context, serverID string, transport mcp.Transport, opts *ClientOptions) (*Client, error) {
	var o ClientOptions
	if opts != nil {
		o = *opts
	}
	if o.Name == "" {
		o.Name = DefaultClientName
	}
	if o.Version == "" {
		o.Version = DefaultClientVersion
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.RPCLogger != nil {
		transport = &loggingTransport{serverID: serverID, delegate: transport, logger: o.RPCLogger}
	}

	client := mcp.NewClient(&mcp.Implementation{Name: o.Name, Version: o.Version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, serverID, err)
	}

	c := &Client{
		serverID:     serverID,
		session:      session,
		closeTimeout: o.CloseTimeout,
		done:         make(chan struct{}),
	}
	go func() {
		c.waitErr = session.Wait()
		close(c.done)
	}()
	return c, nil
}

// ServerID returns the id of the server this client talks to.
func (c *Client) ServerID() string { return c.serverID }

// SessionID returns the transport session id, if the server assigned one.
func (c *Client) SessionID() string { return c.session.ID() }

// Done is closed when the session ends, whether closed locally or lost.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the session. It is only meaningful after
// Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.waitErr
	default:
		return nil
	}
}

// ListTools fetches every page of the server's tools/list.
func (c *Client) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var (
		tools []*mcp.Tool
		seen  = make(map[string]struct{})
	)
	params := &mcp.ListToolsParams{}
	for {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, c.classify(ctx, "tools/list", err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		if _, dup := seen[res.NextCursor]; dup {
			return nil, fmt.Errorf("%w: %s: tools/list repeated cursor %q", ErrProtocol, c.serverID, res.NextCursor)
		}
		seen[res.NextCursor] = struct{}{}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// CallTool invokes name with args. A result flagged IsError is returned as a
// result, not an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, c.classify(ctx, "tools/call", err)
	}
	return res, nil
}

// Ping checks that the session is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.session.Ping(ctx, nil); err != nil {
		return c.classify(ctx, "ping", err)
	}
	return nil
}

// Close ends the session. It never blocks longer than the close timeout and
// is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		result := make(chan error, 1)
		go func() { result <- c.session.Close() }()
		timer := time.NewTimer(c.closeTimeout)
		defer timer.Stop()
		select {
		case err := <-result:
			c.closeErr = err
		case <-timer.C:
			c.closeErr = fmt.Errorf("%w: closing %s after %s", ErrTimeout, c.serverID, c.closeTimeout)
		}
	})
	return c.closeErr
}

func (c *Client) classify(ctx context.Context, method string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s %s: %w", ErrTimeout, c.serverID, method, err)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return fmt.Errorf("mcpmgr: %s %s: %w", c.serverID, method, err)
	default:
		return fmt.Errorf("%w: %s %s: %w", ErrProtocol, c.serverID, method, err)
	}
}
