package writer

import (
	"time"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize is the maximum number of queued rows. Rows beyond it are
	// dropped so registry callbacks never block.
	BufferSize int

	// InstanceID is recorded on every row.
	InstanceID string
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// sessionRow represents a row to be inserted into the subscriber_sessions table.
type sessionRow struct {
	SubscriberID   string
	Filter         string
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	Reason         string
}

// WriterStats holds writer counters.
type WriterStats struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Dropped   int64
	Flushes   int64
}
