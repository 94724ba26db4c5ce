package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// SSETransport streams inbound messages from the server over Server-Sent
// Events and delivers outbound messages via HTTP POST. On connect, the server
// announces the POST endpoint through an "endpoint" event; subsequent
// "message" events carry JSON-RPC payloads.
//
// Instances must be created with NewSSETransport and opened before use.
type SSETransport struct {
	httpClient *http.Client
	connectURL string
	messageURL string
	logger     *slog.Logger

	maxPayloadSize int

	cancel     context.CancelFunc
	messages   chan sseInbound
	done       chan struct{}
	readClosed chan struct{}

	mu      sync.Mutex
	failure error
}

// SSEOption configures an SSETransport.
type SSEOption func(*SSETransport)

type sseInbound struct {
	msg JSONRPCMessage
	err error
}

// WithSSELogger sets the logger used for transport-level diagnostics.
func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(s *SSETransport) {
		s.logger = logger
	}
}

// WithSSEMaxPayloadSize limits the size of a single event payload received
// from the server. Oversized events terminate the stream.
func WithSSEMaxPayloadSize(size int) SSEOption {
	return func(s *SSETransport) {
		s.maxPayloadSize = size
	}
}

// NewSSETransport creates an SSE transport that connects to connectURL. The
// optional httpClient allows custom HTTP configuration; if nil, the default
// HTTP client is used.
func NewSSETransport(connectURL string, httpClient *http.Client, options ...SSEOption) *SSETransport {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSETransport{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
		messages:   make(chan sseInbound),
		done:       make(chan struct{}),
		readClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Open establishes the SSE stream and blocks until the server has announced
// the message endpoint. The stream outlives ctx; ctx only bounds connection
// establishment.
func (s *SSETransport) Open(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return &ConnectionError{Op: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	ready := make(chan error, 1)
	go s.listenSSEMessages(resp.Body, ready)

	select {
	case <-ctx.Done():
		cancel()
		return &ConnectionError{Op: "connect", Err: ctx.Err()}
	case err := <-ready:
		if err != nil {
			cancel()
			return err
		}
	}
	return nil
}

// Messages returns an iterator over inbound messages. The sequence ends
// silently when the transport is closed locally, and with a terminal
// *ConnectionError when the stream is lost mid-session.
func (s *SSETransport) Messages() iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		for in := range s.messages {
			if !yield(in.msg, in.err) {
				return
			}
		}
	}
}

// Send transmits a JSON-encoded message to the server through an HTTP POST
// request. Once the stream is lost, Send fails immediately with the
// *ConnectionError that ended it.
func (s *SSETransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	if err := s.failed(); err != nil {
		return err
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	r := bytes.NewReader(msgBs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &ConnectionError{Op: "send", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	return nil
}

// Close terminates the SSE stream.
func (s *SSETransport) Close(ctx context.Context) error {
	close(s.done)
	s.cancel()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.readClosed:
	}
	return nil
}

func (s *SSETransport) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.messages)
		close(s.readClosed)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	endpointReceived := false

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !endpointReceived {
				ready <- &ConnectionError{Op: "connect", Err: err}
				return
			}
			select {
			case <-s.done:
				// Closed locally; the read error is the cancelled request.
				return
			default:
			}
			s.terminate(&ConnectionError{Op: "read", Err: err})
			return
		}

		switch ev.Type {
		case "endpoint":
			// Validate the endpoint URL before accepting it, so outbound
			// messages cannot be routed to a garbage destination.
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- &ProtocolError{Reason: "invalid endpoint URL", Err: err}
				return
			}
			if u.String() == "" {
				ready <- &ProtocolError{Reason: "empty endpoint URL"}
				return
			}
			s.messageURL = u.String()
			endpointReceived = true
			ready <- nil
		case "message":
			if !endpointReceived {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			select {
			case <-s.done:
				return
			case s.messages <- sseInbound{msg: msg}:
			}
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}

	// The stream ended without a read error: the server closed it.
	if !endpointReceived {
		ready <- &ConnectionError{Op: "connect", Err: errors.New("stream ended before endpoint event")}
		return
	}
	select {
	case <-s.done:
	default:
		s.terminate(&ConnectionError{Op: "read", Err: errors.New("stream closed by server")})
	}
}

// terminate records the failure and forwards it as the terminal element of the
// message sequence.
func (s *SSETransport) terminate(err *ConnectionError) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case s.messages <- sseInbound{err: err}:
	}
}

func (s *SSETransport) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}
