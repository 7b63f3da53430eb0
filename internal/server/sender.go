package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrSenderClosed = errors.New("sender closed")
)

// wsSender is the registry send handle for one websocket.
type wsSender struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// One-slot write lock. A channel instead of a mutex so waiting writers
	// give up when their ctx is done.
	lock chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

func newWSSender(conn *websocket.Conn, writeTimeout time.Duration) *wsSender {
	return &wsSender{
		conn:         conn,
		writeTimeout: writeTimeout,
		lock:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Send writes one text frame.
func (s *wsSender) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return ErrSenderClosed
	default:
	}

	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSenderClosed
	}
	defer func() { <-s.lock }()

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)

	err := s.conn.WriteMessage(websocket.TextMessage, data)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// Close sends a close frame and closes the socket. Only the first call does
// any work.
func (s *wsSender) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)

		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Done is closed once Close has been called.
func (s *wsSender) Done() <-chan struct{} {
	return s.done
}

// ping sends a keepalive ping.
func (s *wsSender) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}
