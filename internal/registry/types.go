package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rickgao/tick-relay/internal/model"
)

// Errors
var (
	ErrNotOpen = errors.New("subscriber not open")
)

// Sender pushes messages to one downstream connection.
type Sender interface {
	// Send writes one message. It must return once ctx is done.
	Send(ctx context.Context, data []byte) error

	// Close closes the connection gracefully, giving up when ctx is done.
	Close(ctx context.Context) error
}

// State is a subscriber's lifecycle state.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reason records why a subscriber was removed.
type Reason string

const (
	ReasonRequested    Reason = "requested"
	ReasonRemoteClosed Reason = "remote_closed"
	ReasonSendFailed   Reason = "send_failed"
	ReasonSendTimeout  Reason = "send_timeout"
	ReasonShutdown     Reason = "shutdown"
)

// Subscriber is one downstream connection. ID, Filter and ConnectedAt never
// change after registration.
type Subscriber struct {
	ID          string
	Filter      model.Filter
	ConnectedAt time.Time

	sender Sender
	state  atomic.Int32
}

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// IsOpen reports whether the subscriber still accepts sends.
func (s *Subscriber) IsOpen() bool {
	return s.State() == StateOpen
}

// Send forwards data to the connection if the subscriber is still open.
// A subscriber removed after a snapshot was taken fails with ErrNotOpen.
func (s *Subscriber) Send(ctx context.Context, data []byte) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	return s.sender.Send(ctx, data)
}

// LifecycleEvent describes a subscriber state change.
type LifecycleEvent struct {
	SubscriberID string
	Filter       string // Filter rendered as "sym1,sym2" or "*"
	State        State
	Reason       Reason // Empty for StateOpen
	ConnectedAt  time.Time
	At           time.Time
}

// Observer receives lifecycle events. Implementations must not block.
type Observer interface {
	SubscriberChanged(ev LifecycleEvent)
}

// ObserverFunc is a function adapter for Observer.
type ObserverFunc func(LifecycleEvent)

func (f ObserverFunc) SubscriberChanged(ev LifecycleEvent) {
	f(ev)
}

// Config holds registry configuration.
type Config struct {
	CloseTimeout time.Duration // Bound on a graceful sender close (default: 1s)
	ShutdownConc int           // Parallel closes during Close (default: 32)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CloseTimeout: time.Second,
		ShutdownConc: 32,
	}
}
