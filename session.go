package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session multiplexes concurrent JSON-RPC requests over one Transport. It
// assigns a fresh correlation id to every outbound request, matches inbound
// responses back to their callers, and drives the one-time initialize
// handshake that must precede all other requests.
//
// A Session satisfies Resource: Open starts the dispatch loop, Close stops it
// and rejects every still-pending request. A Session must be created after its
// Transport and closed before it, which a Stack guarantees when both are
// acquired in that order.
type Session struct {
	transport Transport
	info      Info
	logger    *slog.Logger

	writeTimeout time.Duration
	readTimeout  time.Duration

	notificationHandler func(JSONRPCMessage)

	// mu guards pending and the handshake/lifecycle flags below. The pending
	// map is the one piece of state shared between Request callers and the
	// dispatch loop.
	mu                 sync.Mutex
	pending            map[string]chan callResult
	initialized        bool
	initializeCalled   bool
	closed             bool
	fatal              *ConnectionError
	serverInfo         Info
	serverCapabilities ServerCapabilities

	quit chan struct{}
	done chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

type callResult struct {
	msg JSONRPCMessage
	err error
}

var (
	defaultSessionWriteTimeout = 30 * time.Second
	defaultSessionReadTimeout  = 30 * time.Second
)

// WithSessionLogger sets the logger used for session-level diagnostics.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithSessionWriteTimeout bounds how long a single outbound write may take.
func WithSessionWriteTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.writeTimeout = timeout
	}
}

// WithSessionReadTimeout bounds how long a request waits for its response.
func WithSessionReadTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.readTimeout = timeout
	}
}

// WithNotificationHandler registers a subscriber for server notifications
// (inbound messages without an id). Without a handler they are dropped.
func WithNotificationHandler(handler func(JSONRPCMessage)) SessionOption {
	return func(s *Session) {
		s.notificationHandler = handler
	}
}

// NewSession creates a session on top of an opened transport. The session does
// not start consuming messages until Open is called.
func NewSession(transport Transport, info Info, options ...SessionOption) *Session {
	s := &Session{
		transport: transport,
		info:      info,
		logger:    slog.Default(),
		pending:   make(map[string]chan callResult),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.writeTimeout == 0 {
		s.writeTimeout = defaultSessionWriteTimeout
	}
	if s.readTimeout == 0 {
		s.readTimeout = defaultSessionReadTimeout
	}

	return s
}

// Open starts the dispatch loop that consumes the transport's inbound
// messages.
func (s *Session) Open(context.Context) error {
	go s.dispatch()
	return nil
}

// Close stops the dispatch loop and rejects every still-pending request with a
// *ConnectionError. The caller is guaranteed to call Close at most once, but a
// second call is harmless.
func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]chan callResult)
	s.mu.Unlock()

	close(s.quit)

	cErr := &ConnectionError{Op: "request", Err: errors.New("session closed")}
	for _, ch := range pending {
		ch <- callResult{err: cErr}
	}
	return nil
}

// Initialize performs the one-time handshake with the server: it sends the
// initialize request, verifies the protocol version of the response, records
// the server's info and capabilities, and acknowledges with the initialized
// notification. It must complete before Request is usable.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initializeCalled {
		s.mu.Unlock()
		return &ProtocolError{Reason: "already initialized"}
	}
	s.initializeCalled = true
	s.mu.Unlock()

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      s.info,
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	res, err := s.call(ctx, methodInitialize, paramsBs)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return &ProtocolError{Reason: "initialize rejected", Err: res.Error}
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return &ProtocolError{Reason: "malformed initialize result", Err: err}
	}
	if result.ProtocolVersion != protocolVersion {
		return &ProtocolError{
			Reason: fmt.Sprintf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion),
		}
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.serverCapabilities = result.Capabilities
	s.initialized = true
	s.mu.Unlock()

	if err := s.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		s.logger.Error("failed to send initialized notification", "err", err)
	}
	return nil
}

// Request sends a request frame and suspends the caller until the matching
// response arrives, the transport terminates, or ctx is cancelled. Cancelling
// removes only this request's pending entry; other in-flight requests are
// unaffected. Error responses from the server surface as *ToolError.
func (s *Session) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return nil, &ProtocolError{Reason: "not initialized"}
	}

	res, err := s.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, &ToolError{
			Code:    res.Error.Code,
			Message: res.Error.Message,
			Data:    res.Error.Data,
		}
	}
	return res.Result, nil
}

// ServerInfo returns the server identity recorded during Initialize.
func (s *Session) ServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// ServerCapabilities returns the capabilities recorded during Initialize.
func (s *Session) ServerCapabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverCapabilities
}

// Initialized reports whether the handshake has completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Done is closed when the dispatch loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal transport error that ended the session, if any. Only
// meaningful after Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		return nil
	}
	return s.fatal
}

func (s *Session) call(ctx context.Context, method string, params json.RawMessage) (JSONRPCMessage, error) {
	id := uuid.New().String()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return JSONRPCMessage{}, &ConnectionError{Op: "request", Err: errors.New("session closed")}
	}
	if s.fatal != nil {
		fatal := s.fatal
		s.mu.Unlock()
		return JSONRPCMessage{}, fatal
	}
	ch := make(chan callResult, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(id),
		Method:  method,
		Params:  params,
	}

	sCtx, sCancel := context.WithTimeout(ctx, s.writeTimeout)
	defer sCancel()
	if err := s.transport.Send(sCtx, msg); err != nil {
		s.removePending(id)
		return JSONRPCMessage{}, err
	}

	readTimer := time.NewTimer(s.readTimeout)
	defer readTimer.Stop()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-readTimer.C:
		s.removePending(id)
		return JSONRPCMessage{}, &ConnectionError{Op: "request", Err: errors.New("request timeout")}
	case <-ctx.Done():
		s.removePending(id)
		s.notifyCancelled(id)
		return JSONRPCMessage{}, ctx.Err()
	}
}

// dispatch is the single loop consuming the transport's inbound sequence.
func (s *Session) dispatch() {
	defer close(s.done)

	for msg, err := range s.transport.Messages() {
		if err != nil {
			s.failAll(err)
			return
		}
		select {
		case <-s.quit:
			return
		default:
		}
		s.route(msg)
	}

	// The sequence ended without a terminal error: the transport was closed.
	s.failAll(&ConnectionError{Op: "read", Err: errors.New("transport closed")})
}

func (s *Session) route(msg JSONRPCMessage) {
	if msg.JSONRPC != JSONRPCVersion {
		s.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
		return
	}

	if msg.ID == "" {
		// Notification. Forward if a subscriber is present, drop otherwise.
		if s.notificationHandler != nil {
			s.notificationHandler(msg)
			return
		}
		s.logger.Debug("dropping notification", "method", msg.Method)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[string(msg.ID)]
	if ok {
		// Delete before resolving, so an entry never resolves twice.
		delete(s.pending, string(msg.ID))
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("dropping response with unmatched id", "id", string(msg.ID))
		return
	}
	ch <- callResult{msg: msg}
}

// failAll rejects every pending request with the terminal transport error.
func (s *Session) failAll(err error) {
	var cErr *ConnectionError
	if !errors.As(err, &cErr) {
		cErr = &ConnectionError{Op: "read", Err: err}
	}

	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = cErr
	}
	pending := s.pending
	s.pending = make(map[string]chan callResult)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: cErr}
	}
}

func (s *Session) removePending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	notif := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}

	sCtx, sCancel := context.WithTimeout(ctx, s.writeTimeout)
	defer sCancel()

	if err := s.transport.Send(sCtx, notif); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// notifyCancelled tells the server to stop working on a request the caller
// abandoned. Best-effort: failures are only logged.
func (s *Session) notifyCancelled(id string) {
	err := s.notify(context.Background(), methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    userCancelledReason,
	})
	if err != nil {
		s.logger.Error("failed to send cancellation notification", "err", err)
	}
}
