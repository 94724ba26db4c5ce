package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"strings"
	"sync"
)

// StreamTransport frames JSON-RPC messages as newline-delimited JSON over a
// byte stream. The stream can be a network connection established via Dial or
// any io.ReadWriteCloser handed to NewStreamTransport, such as the stdin/stdout
// pipes of a spawned server process.
//
// Writes are serialized through an internal queue, so Send is safe for
// concurrent use. Instances must be created with NewStreamTransport or Dial
// and opened through a Stack (or by calling Open directly) before use.
type StreamTransport struct {
	dial   func(ctx context.Context) (io.ReadWriteCloser, error)
	logger *slog.Logger

	conn io.ReadWriteCloser

	writeMessages chan streamWrite
	done          chan struct{}
	writeClosed   chan struct{}

	mu      sync.Mutex
	failure error
}

// StreamOption configures a StreamTransport.
type StreamOption func(*StreamTransport)

type streamWrite struct {
	msg  []byte
	errs chan error
}

// WithStreamLogger sets the logger used for transport-level diagnostics.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(s *StreamTransport) {
		s.logger = logger
	}
}

// NewStreamTransport creates a transport over an already-established stream.
// The transport takes ownership of rw and closes it on Close.
func NewStreamTransport(rw io.ReadWriteCloser, options ...StreamOption) *StreamTransport {
	s := &StreamTransport{
		conn:          rw,
		logger:        slog.Default(),
		writeMessages: make(chan streamWrite),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Dial creates a transport that connects to the given network address when
// opened. A refused or unreachable address fails Open with a *ConnectionError.
func Dial(network, address string, options ...StreamOption) *StreamTransport {
	s := NewStreamTransport(nil, options...)
	s.dial = func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, &ConnectionError{Op: "dial", Err: err}
		}
		return conn, nil
	}
	return s
}

// Open establishes the stream if the transport was created with Dial and
// starts the write queue.
func (s *StreamTransport) Open(ctx context.Context) error {
	if s.dial != nil {
		conn, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.conn = conn
	}
	go s.processWriteMessages()
	return nil
}

// Messages returns an iterator over inbound messages. The sequence ends
// silently when the transport is closed locally, and with a terminal
// *ConnectionError when the remote end disconnects mid-stream.
func (s *StreamTransport) Messages() iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(s.conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				select {
				case <-s.done:
					// Closed locally; this is a clean end of the sequence.
					return
				default:
				}
				cErr := &ConnectionError{Op: "read", Err: err}
				s.fail(cErr)
				yield(JSONRPCMessage{}, cErr)
				return
			}

			line = strings.TrimSuffix(line, "\n")
			if line == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Send marshals the message and queues it for writing. Once the stream is
// lost, Send fails immediately with the *ConnectionError that ended it.
func (s *StreamTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	if err := s.failed(); err != nil {
		return err
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	w := streamWrite{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ConnectionError{Op: "send", Err: errors.New("transport closed")}
	case s.writeMessages <- w:
	}

	select {
	case err := <-w.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ConnectionError{Op: "send", Err: errors.New("transport closed")}
	}
}

// Close closes the underlying stream and stops the write queue.
func (s *StreamTransport) Close(ctx context.Context) error {
	close(s.done)
	err := s.conn.Close()

	// Wait for the write queue to drain before reporting closure.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.writeClosed:
	}

	if err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

func (s *StreamTransport) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var w streamWrite
		select {
		case <-s.done:
			return
		case w = <-s.writeMessages:
		}

		_, err := s.conn.Write(w.msg)
		if err != nil {
			cErr := &ConnectionError{Op: "write", Err: err}
			s.fail(cErr)
			w.errs <- cErr
			continue
		}
		w.errs <- nil
	}
}

func (s *StreamTransport) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
}

func (s *StreamTransport) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}
