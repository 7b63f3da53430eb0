package broadcast

import (
	"fmt"
	"time"

	"github.com/rickgao/tick-relay/internal/model"
	"github.com/rickgao/tick-relay/internal/registry"
)

// Source provides the subscribers to broadcast to.
type Source interface {
	Snapshot() []*registry.Subscriber
}

// Pruner removes failed subscribers.
type Pruner interface {
	RemoveWithReason(id string, reason registry.Reason)
}

// FailureReason classifies a failed send.
type FailureReason string

const (
	FailureClosed  FailureReason = "closed"
	FailureError   FailureReason = "error"
	FailureTimeout FailureReason = "timeout"
)

// SendFailure records one subscriber that did not receive an event.
type SendFailure struct {
	SubscriberID string
	Reason       FailureReason
	Err          error
}

func (f *SendFailure) Error() string {
	return fmt.Sprintf("send to %s failed (%s): %v", f.SubscriberID, f.Reason, f.Err)
}

func (f *SendFailure) Unwrap() error {
	return f.Err
}

// removalReason maps a send failure to the registry removal reason.
func (f *SendFailure) removalReason() registry.Reason {
	if f.Reason == FailureTimeout {
		return registry.ReasonSendTimeout
	}
	return registry.ReasonSendFailed
}

// Result summarizes one broadcast.
type Result struct {
	Event     model.Event
	Matched   int           // Open subscribers whose filter matched
	Delivered int           // Sends that completed
	Skipped   int           // Never started: ctx ended while waiting for a send slot
	Failed    []SendFailure // Subscribers scheduled for pruning
	Duration  time.Duration
}

// Config holds engine configuration.
type Config struct {
	BatchSize   int           // Subscribers per group (default: 50)
	Concurrency int           // Engine-wide in-flight send budget (default: 100)
	SendTimeout time.Duration // Per-send timeout (default: 5s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   50,
		Concurrency: 100,
		SendTimeout: 5 * time.Second,
	}
}

// Stats holds engine counters.
type Stats struct {
	Events       int64 // Events fanned out to at least one subscriber
	Ignored      int64 // Non-relayable events
	Sends        int64 // Send attempts
	Delivered    int64
	Failed       int64
	Timeouts     int64
	InFlight     int64
	InFlightPeak int64
	PendingPrune int64
}
