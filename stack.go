package mcpclient

import (
	"context"
	"sync"
)

// Resource is anything with a paired open/close lifecycle: a network
// connection, a protocol session, or any other entity that must be released
// after use. A Resource acquired through a Stack is owned exclusively by the
// stack entry that holds it.
type Resource interface {
	// Open runs the acquire step. It is called at most once per acquisition.
	Open(ctx context.Context) error

	// Close runs the release step. The caller guarantees at most one call,
	// and only after a successful Open.
	Close(ctx context.Context) error
}

type resourceFunc struct {
	open  func(context.Context) error
	close func(context.Context) error
}

// ResourceFunc builds a Resource from a pair of functions. Either function may
// be nil, in which case that phase is a no-op.
func ResourceFunc(open, close func(context.Context) error) Resource {
	return resourceFunc{open: open, close: close}
}

func (r resourceFunc) Open(ctx context.Context) error {
	if r.open == nil {
		return nil
	}
	return r.open(ctx)
}

func (r resourceFunc) Close(ctx context.Context) error {
	if r.close == nil {
		return nil
	}
	return r.close(ctx)
}

type stackState int

const (
	stackOpen stackState = iota
	stackClosing
	stackClosed
)

// stackEntry holds either a resource or a bare cleanup callback, never both.
type stackEntry struct {
	res Resource
	fn  func(context.Context) error
}

// Stack tracks acquired resources and deferred cleanup callbacks and releases
// them in exact reverse acquisition order when closed. Release is best-effort:
// a failing entry never prevents the remaining entries from being attempted,
// and all failures are reported together as a *TeardownError.
//
// A Stack is safe for concurrent use. Once Close has begun, Acquire and
// PushCallback fail with ErrStackClosed.
type Stack struct {
	mu      sync.Mutex
	state   stackState
	entries []stackEntry
}

// NewStack returns an empty open stack.
func NewStack() *Stack {
	return &Stack{}
}

// Acquire opens the resource and records it for release on Close. If the open
// step fails, the resource is not recorded and its error is returned as-is.
func (s *Stack) Acquire(ctx context.Context, r Resource) error {
	s.mu.Lock()
	if s.state != stackOpen {
		s.mu.Unlock()
		return ErrStackClosed
	}
	s.mu.Unlock()

	// Open outside the lock; it may block on network I/O.
	if err := r.Open(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stackOpen {
		// Teardown began while the resource was opening. The entry would
		// never be released through the stack, so release it here.
		_ = r.Close(ctx)
		return ErrStackClosed
	}
	s.entries = append(s.entries, stackEntry{res: r})
	return nil
}

// PushCallback records a cleanup action with the same ordering semantics as an
// acquired resource: callbacks pushed last release first.
func (s *Stack) PushCallback(fn func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stackOpen {
		return ErrStackClosed
	}
	s.entries = append(s.entries, stackEntry{fn: fn})
	return nil
}

// Close releases every recorded entry from most-recently-added to least,
// continuing past individual failures. If any release failed, the failures are
// returned as a *TeardownError; the stack still ends up Closed. Calling Close
// again after teardown has begun is a no-op.
func (s *Stack) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stackOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = stackClosing
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		var err error
		if e.res != nil {
			err = e.res.Close(ctx)
		} else {
			err = e.fn(ctx)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	s.state = stackClosed
	s.mu.Unlock()

	if len(errs) > 0 {
		return &TeardownError{Errs: errs}
	}
	return nil
}
