package mcpmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/r3labs/sse/v2"
)

const (
	maxErrorBody = 4 << 10
	maxEventSize = 1 << 20
)

// SSETransportOptions configures an SSETransport.
type SSETransportOptions struct {
	// HTTPClient issues the stream request and every POST. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// Headers are attached to the stream request and to every POST.
	Headers http.Header
}

// SSETransport is a bidirectional message channel to one server. Inbound
// messages arrive on a long-lived text/event-stream response; outbound
// messages are POSTed to the endpoint announced by the server's "endpoint"
// event.
//
// Register handlers with OnMessage, OnError and OnClose before calling Start.
// SSETransport also implements mcp.Transport so an mcp.Client can drive it.
type SSETransport struct {
	url     *url.URL
	client  *http.Client
	headers http.Header

	onMessage func(jsonrpc.Message)
	onError   func(error)
	onClose   func()

	mu       sync.Mutex
	started  bool
	closed   bool
	endpoint *url.URL
	cancel   context.CancelFunc
	body     io.ReadCloser
	inbound  chan jsonrpc.Message

	closeOnce sync.Once
	done      chan struct{}
}

// NewSSETransport creates a transport for the stream at rawURL.
func NewSSETransport(rawURL string, opts *SSETransportOptions) (*SSETransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: invalid stream url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("mcpmgr: unsupported stream url scheme %q", u.Scheme)
	}
	var o SSETransportOptions
	if opts != nil {
		o = *opts
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	return &SSETransport{
		url:     u,
		client:  o.HTTPClient,
		headers: cloneHeader(o.Headers),
		done:    make(chan struct{}),
	}, nil
}

// OnMessage registers the handler for decoded inbound messages.
func (t *SSETransport) OnMessage(fn func(jsonrpc.Message)) { t.onMessage = fn }

// OnError registers the handler for transport errors. Decode failures are
// reported here without closing the stream.
func (t *SSETransport) OnError(fn func(error)) { t.onError = fn }

// OnClose registers the handler invoked exactly once when the transport closes.
func (t *SSETransport) OnClose(fn func()) { t.onClose = fn }

// Endpoint returns the resolved POST endpoint, or nil before the handshake.
func (t *SSETransport) Endpoint() *url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endpoint == nil {
		return nil
	}
	u := *t.endpoint
	return &u
}

// Done is closed once the transport has shut down.
func (t *SSETransport) Done() <-chan struct{} { return t.done }

// Start opens the event stream and blocks until the endpoint handshake
// completes, the stream fails or ctx is done. ctx only bounds the handshake;
// the stream stays open until Close.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	// Abort the stream if the handshake outlives ctx.
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.url.String(), nil)
	if err != nil {
		stop()
		t.shutdown()
		return fmt.Errorf("mcpmgr: build stream request: %w", err)
	}
	t.applyHeaders(req.Header)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		stop()
		t.shutdown()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("mcpmgr: open event stream: %w", ctxErr)
		}
		return fmt.Errorf("mcpmgr: open event stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		stop()
		t.shutdown()
		return fmt.Errorf("mcpmgr: open event stream: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	t.mu.Lock()
	t.body = resp.Body
	t.mu.Unlock()

	handshake := make(chan error, 1)
	go t.readLoop(resp.Body, handshake)

	select {
	case err = <-handshake:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if !stop() && err == nil {
		// ctx fired right after the handshake; the stream is already cancelled.
		err = ctx.Err()
	}
	if err != nil {
		t.shutdown()
		return fmt.Errorf("mcpmgr: endpoint handshake: %w", err)
	}
	return nil
}

// Send POSTs msg to the discovered endpoint.
func (t *SSETransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	t.mu.Lock()
	endpoint, closed := t.endpoint, t.closed
	t.mu.Unlock()
	if endpoint == nil || closed {
		return ErrNotConnected
	}

	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("mcpmgr: encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("mcpmgr: build post request: %w", err)
	}
	t.applyHeaders(req.Header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcpmgr: post message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &SendError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}

// Close stops the reader and closes the stream. It returns ErrNotInitialized
// if Start was never called and is a no-op on subsequent calls.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return ErrNotInitialized
	}
	t.shutdown()
	return nil
}

func (t *SSETransport) shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		cancel, body := t.cancel, t.body
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if body != nil {
			body.Close()
		}
		close(t.done)
		if t.onClose != nil {
			t.onClose()
		}
	})
}

func (t *SSETransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *SSETransport) applyHeaders(h http.Header) {
	for k, values := range t.headers {
		h.Del(k)
		for _, v := range values {
			h.Add(k, v)
		}
	}
}

func (t *SSETransport) readLoop(body io.Reader, handshake chan<- error) {
	handshakeDone := false
	finish := func(err error) {
		if !handshakeDone {
			handshakeDone = true
			handshake <- err
		}
	}

	var fatal error
	err := readEvents(body, func(ev sseEvent) bool {
		switch ev.Event {
		case "open":
			return true
		case "endpoint":
			endpoint, err := t.url.Parse(strings.TrimSpace(ev.Data))
			if err != nil {
				fatal = fmt.Errorf("mcpmgr: invalid endpoint %q: %w", ev.Data, err)
				t.reportError(fatal)
				return false
			}
			t.mu.Lock()
			t.endpoint = endpoint
			t.mu.Unlock()
			finish(nil)
			return true
		case "error":
			fatal = fmt.Errorf("%w: %s", ErrStreamError, ev.Data)
			t.reportError(fatal)
			return false
		default:
			msg, err := jsonrpc.DecodeMessage([]byte(ev.Data))
			if err != nil {
				t.reportError(fmt.Errorf("mcpmgr: decode %q event: %w", ev.Event, err))
				return true
			}
			return t.deliver(msg)
		}
	})

	if fatal == nil && !t.isClosed() {
		fatal = ErrStreamClosed
		if err != nil && !errors.Is(err, io.EOF) {
			fatal = fmt.Errorf("%w: %w", ErrStreamClosed, err)
		}
		t.reportError(fatal)
	}
	if fatal == nil {
		fatal = ErrStreamClosed
	}
	finish(fatal)
	t.shutdown()
}

func (t *SSETransport) deliver(msg jsonrpc.Message) bool {
	if t.onMessage != nil {
		t.onMessage(msg)
	}
	t.mu.Lock()
	inbound := t.inbound
	t.mu.Unlock()
	if inbound == nil {
		return true
	}
	select {
	case inbound <- msg:
		return true
	case <-t.done:
		return false
	}
}

func (t *SSETransport) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}

// Connect implements mcp.Transport. It starts the stream and returns a
// connection that reads from an inbound queue fed by the reader.
func (t *SSETransport) Connect(ctx context.Context) (mcp.Connection, error) {
	t.mu.Lock()
	if t.inbound == nil {
		t.inbound = make(chan jsonrpc.Message, 64)
	}
	t.mu.Unlock()
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	return &sseConnection{t: t}, nil
}

type sseConnection struct {
	t *SSETransport
}

func (c *sseConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.t.inbound:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.t.inbound:
		return msg, nil
	case <-c.t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sseConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	return c.t.Send(ctx, msg)
}

func (c *sseConnection) Close() error {
	if err := c.t.Close(); err != nil && !errors.Is(err, ErrNotInitialized) {
		return err
	}
	return nil
}

// SessionID returns the session id the server embedded in the endpoint URL.
func (c *sseConnection) SessionID() string {
	endpoint := c.t.Endpoint()
	if endpoint == nil {
		return ""
	}
	q := endpoint.Query()
	if id := q.Get("sessionid"); id != "" {
		return id
	}
	return q.Get("sessionId")
}

type sseEvent struct {
	Event string
	Data  string
	ID    string
}

// readEvents parses a text/event-stream, calling fn for each dispatched event
// until fn returns false or the stream ends. Frames larger than maxEventSize
// fail the stream with bufio.ErrTooLong.
func readEvents(r io.Reader, fn func(sseEvent) bool) error {
	reader := sse.NewEventStreamReader(r, maxEventSize)
	for {
		frame, err := reader.ReadEvent()
		if err != nil {
			return err
		}
		ev, ok := parseEvent(frame)
		if !ok {
			continue
		}
		if !fn(ev) {
			return nil
		}
	}
}

// parseEvent reads the fields of one frame. Frames holding only comments
// are not dispatched.
func parseEvent(frame []byte) (sseEvent, bool) {
	var (
		ev      sseEvent
		data    []string
		hasData bool
	)
	for _, line := range bytes.FieldsFunc(frame, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if line[0] == ':' {
			continue
		}
		name, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(name) {
		case "event":
			ev.Event = string(value)
		case "data":
			data = append(data, string(value))
			hasData = true
		case "id":
			ev.ID = string(value)
		}
	}
	if !hasData && ev.Event == "" {
		return sseEvent{}, false
	}
	ev.Data = strings.Join(data, "\n")
	if ev.Event == "" {
		ev.Event = "message"
	}
	return ev, true
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}
