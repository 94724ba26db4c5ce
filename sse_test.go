package mcpclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcpclient "github.com/toolwire/go-mcpclient"
)

// sseTestServer is a minimal SSE tool server: the events handler announces the
// message endpoint and then streams whatever is pushed into events; the
// message handler records posted messages and answers ping requests.
type sseTestServer struct {
	srv    *httptest.Server
	events chan string
}

func newSSETestServer(t *testing.T) *sseTestServer {
	t.Helper()

	s := &sseTestServer{
		events: make(chan string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprintf(w, "event: endpoint\ndata: %s/message\n\n", s.srv.URL)
		flusher.Flush()

		for {
			select {
			case data, ok := <-s.events:
				if !ok {
					return
				}
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		var msg mcpclient.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)

		if msg.Method != "ping" {
			return
		}
		res := mcpclient.JSONRPCMessage{
			JSONRPC: mcpclient.JSONRPCVersion,
			ID:      msg.ID,
			Result:  json.RawMessage(`{"ok":true}`),
		}
		resBs, err := json.Marshal(res)
		if err != nil {
			return
		}
		go func() {
			s.events <- string(resBs)
		}()
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func TestSSETransportRoundTrip(t *testing.T) {
	server := newSSETestServer(t)

	tr := mcpclient.NewSSETransport(server.srv.URL+"/events", server.srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Open(ctx); err != nil {
		t.Fatalf("failed to open transport: %v", err)
	}

	received := make(chan mcpclient.JSONRPCMessage, 1)
	go func() {
		for msg, err := range tr.Messages() {
			if err != nil {
				return
			}
			received <- msg
			return
		}
	}()

	req := mcpclient.JSONRPCMessage{
		JSONRPC: mcpclient.JSONRPCVersion,
		ID:      "req-1",
		Method:  "ping",
	}
	if err := tr.Send(ctx, req); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != "req-1" {
			t.Errorf("got response id %q, want %q", msg.ID, "req-1")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for response")
	}

	if err := tr.Close(ctx); err != nil {
		t.Fatalf("failed to close transport: %v", err)
	}
}

func TestSSETransportServerDisconnect(t *testing.T) {
	server := newSSETestServer(t)

	tr := mcpclient.NewSSETransport(server.srv.URL+"/events", server.srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Open(ctx); err != nil {
		t.Fatalf("failed to open transport: %v", err)
	}

	terminal := make(chan error, 1)
	go func() {
		for _, err := range tr.Messages() {
			if err != nil {
				terminal <- err
				return
			}
		}
		terminal <- nil
	}()

	// Ending the event stream from the server side is a connection loss.
	close(server.events)

	select {
	case err := <-terminal:
		var cErr *mcpclient.ConnectionError
		if !errors.As(err, &cErr) {
			t.Fatalf("read sequence ended with %v, want *ConnectionError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for read sequence to end")
	}

	err := tr.Send(ctx, mcpclient.JSONRPCMessage{JSONRPC: mcpclient.JSONRPCVersion, Method: "ping"})
	var cErr *mcpclient.ConnectionError
	if !errors.As(err, &cErr) {
		t.Fatalf("send after disconnect: got %v, want *ConnectionError", err)
	}

	if err := tr.Close(ctx); err != nil {
		t.Fatalf("failed to close transport: %v", err)
	}
}

func TestSSETransportCleanLocalClose(t *testing.T) {
	server := newSSETestServer(t)

	tr := mcpclient.NewSSETransport(server.srv.URL+"/events", server.srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Open(ctx); err != nil {
		t.Fatalf("failed to open transport: %v", err)
	}

	ended := make(chan error, 1)
	go func() {
		for _, err := range tr.Messages() {
			if err != nil {
				ended <- err
				return
			}
		}
		ended <- nil
	}()

	if err := tr.Close(ctx); err != nil {
		t.Fatalf("failed to close transport: %v", err)
	}

	select {
	case err := <-ended:
		if err != nil {
			t.Errorf("clean close ended read sequence with %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for read sequence to end")
	}
}

func TestSSETransportConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tr := mcpclient.NewSSETransport("http://"+addr+"/events", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = tr.Open(ctx)
	var cErr *mcpclient.ConnectionError
	if !errors.As(err, &cErr) {
		t.Fatalf("got %v, want *ConnectionError", err)
	}
	if cErr.Op != "connect" {
		t.Errorf("got op %q, want %q", cErr.Op, "connect")
	}
}
