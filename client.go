package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State describes the lifecycle of a Client. Transitions are monotonic, except
// that a fatal transport failure moves a Ready client directly to Closed.
type State int

// Client lifecycle states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client is an MCP client that talks to one remote tool server. Connect
// acquires the transport and a session through an internal Stack, so Close
// (and any failure during Connect) releases them in reverse order: cleanup
// callbacks pushed via PushCleanup first, then the session, then the
// transport.
//
// A Client must be created using NewClient and requires Connect to be called
// before any operations can be performed.
type Client struct {
	info      Info
	transport Transport
	logger    *slog.Logger

	writeTimeout time.Duration
	readTimeout  time.Duration

	notificationHandler func(JSONRPCMessage)

	mu    sync.Mutex
	state State
	stack *Stack
	sess  *Session
}

// WithClientLogger sets the logger for the client and its session.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientWriteTimeout sets the write timeout for outbound requests.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets how long a request waits for its response.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientNotificationHandler registers a subscriber for server
// notifications. Without one they are dropped.
func WithClientNotificationHandler(handler func(JSONRPCMessage)) ClientOption {
	return func(c *Client) {
		c.notificationHandler = handler
	}
}

// NewClient creates a client that communicates through the given transport.
// The info parameter identifies this client to the server during the
// initialize handshake. The client is not connected until Connect is called.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		state:     StateDisconnected,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connect establishes the session with the server: it opens the transport,
// starts a session on top of it, and runs the initialize handshake. All three
// are acquired through the client's Stack, so if any step fails everything
// already acquired is released before the error is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return &ProtocolError{Reason: fmt.Sprintf("connect called in state %s", c.state)}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	stack := NewStack()

	fail := func(err error) error {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		if cErr := stack.Close(ctx); cErr != nil {
			err = errors.Join(err, cErr)
		}
		return err
	}

	if err := stack.Acquire(ctx, c.transport); err != nil {
		return fail(fmt.Errorf("failed to open transport: %w", err))
	}

	sessOpts := []SessionOption{WithSessionLogger(c.logger)}
	if c.writeTimeout > 0 {
		sessOpts = append(sessOpts, WithSessionWriteTimeout(c.writeTimeout))
	}
	if c.readTimeout > 0 {
		sessOpts = append(sessOpts, WithSessionReadTimeout(c.readTimeout))
	}
	if c.notificationHandler != nil {
		sessOpts = append(sessOpts, WithNotificationHandler(c.notificationHandler))
	}

	sess := NewSession(c.transport, c.info, sessOpts...)
	if err := stack.Acquire(ctx, sess); err != nil {
		return fail(fmt.Errorf("failed to start session: %w", err))
	}

	if err := sess.Initialize(ctx); err != nil {
		return fail(fmt.Errorf("failed to initialize session: %w", err))
	}

	c.mu.Lock()
	c.stack = stack
	c.sess = sess
	c.state = StateReady
	c.mu.Unlock()

	go c.watch(sess, stack)
	return nil
}

// ListTools retrieves the tools the server exposes, following pagination
// cursors until the list is complete.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}

	var tools []Tool
	cursor := ""
	for {
		paramsBs, err := json.Marshal(ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}

		res, err := sess.Request(ctx, MethodToolsList, paramsBs)
		if err != nil {
			return nil, err
		}

		var result ListToolsResult
		if err := json.Unmarshal(res, &result); err != nil {
			return nil, &ProtocolError{Reason: "malformed tools/list result", Err: err}
		}

		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// ListToolNames returns just the names of the server's tools. It projects the
// result of ListTools and performs no independent network call.
func (c *Client) ListToolNames(ctx context.Context) ([]string, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names, nil
}

// CallTool executes the named tool with the given arguments, which are
// marshaled to JSON. An empty name fails with a *ValidationError before any
// network I/O. Server-reported failures surface as *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args any) (CallToolResult, error) {
	if name == "" {
		return CallToolResult{}, &ValidationError{Field: "name", Reason: "must not be empty"}
	}

	sess, err := c.session()
	if err != nil {
		return CallToolResult{}, err
	}

	var argsBs json.RawMessage
	if args != nil {
		bs, err := json.Marshal(args)
		if err != nil {
			return CallToolResult{}, &ValidationError{Field: "args", Reason: err.Error()}
		}
		argsBs = bs
	}

	paramsBs, err := json.Marshal(CallToolParams{Name: name, Arguments: argsBs})
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	res, err := sess.Request(ctx, MethodToolsCall, paramsBs)
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(res, &result); err != nil {
		return CallToolResult{}, &ProtocolError{Reason: "malformed tools/call result", Err: err}
	}
	return result, nil
}

// PushCleanup records a cleanup action on the client's Stack. Callbacks run
// before the session and transport are released, most recently pushed first.
func (c *Client) PushCleanup(fn func(context.Context) error) error {
	c.mu.Lock()
	stack := c.stack
	c.mu.Unlock()
	if stack == nil {
		return &ProtocolError{Reason: "not initialized"}
	}
	return stack.PushCallback(fn)
}

// Close releases everything acquired during Connect in reverse order and
// moves the client to Closed. Release failures are aggregated into a
// *TeardownError; every entry is still attempted.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	stack := c.stack
	c.state = StateClosing
	c.mu.Unlock()

	var err error
	if stack != nil {
		err = stack.Close(ctx)
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return err
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo returns the server identity recorded during the handshake.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return Info{}
	}
	return sess.ServerInfo()
}

// ServerCapabilities returns the capabilities recorded during the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ServerCapabilities{}
	}
	return sess.ServerCapabilities()
}

// watch moves the client to Closed when the session dies underneath it and
// releases whatever is still held on the stack.
func (c *Client) watch(sess *Session, stack *Stack) {
	<-sess.Done()
	if sess.Err() == nil {
		return
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Error("connection lost", "err", sess.Err())
	if err := stack.Close(context.Background()); err != nil {
		c.logger.Error("failed to release resources after connection loss", "err", err)
	}
}

func (c *Client) session() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReady:
		return c.sess, nil
	case StateClosing, StateClosed:
		return nil, &ConnectionError{Op: "request", Err: errors.New("client closed")}
	default:
		return nil, &ProtocolError{Reason: "not initialized"}
	}
}
