package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tick-relay/internal/model"
)

// Client represents a single websocket session with one upstream feed.
// A client is single-use: once its receive loop ends, create a new one.
type Client interface {
	// Connect dials the feed, sends the subscribe directive and starts the
	// receive loop.
	Connect(ctx context.Context) error

	// Disconnect stops the receive loop and closes the socket. Safe to call
	// more than once.
	Disconnect() error

	// Events returns quotes and aggregates in arrival order. Closed when the
	// receive loop exits.
	Events() <-chan model.Event

	// Done is closed when the receive loop exits.
	Done() <-chan struct{}

	// Err returns the error that ended the receive loop, or nil after a
	// deliberate Disconnect.
	Err() error

	// IsConnected returns current connection state.
	IsConnected() bool

	// Stats returns frame counters.
	Stats() ClientStats
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	events   chan model.Event
	done     chan struct{} // Closed by Disconnect
	loopDone chan struct{} // Closed when readLoop exits

	// State
	mu        sync.RWMutex
	connected bool
	started   bool
	closed    bool
	err       error

	cancelDial context.CancelFunc // Aborts an in-progress handshake

	// Stats
	frames          atomic.Int64
	quotes          atomic.Int64
	aggregates      atomic.Int64
	heartbeats      atomic.Int64
	infos           atomic.Int64
	errorFrames     atomic.Int64
	decodeErrors    atomic.Int64
	lastFrameAt     atomic.Int64 // Unix nanos
	lastHeartbeatAt atomic.Int64 // Unix nanos
}

// NewClient creates a new feed client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &client{
		cfg:      cfg,
		logger:   logger,
		events:   make(chan model.Event, cfg.BufferSize),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Connect establishes the websocket session.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.started = true
	c.cancelDial = cancel
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		c.fail()
		if c.isClosed() {
			return ErrAlreadyClosed
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return &ConnectionError{Feed: c.cfg.Name, Op: "dial", Err: err}
	}

	directive := NewSubscribeDirective(c.cfg.APIKey, c.cfg.Tickers, c.cfg.ThresholdLevel)
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(directive); err != nil {
		conn.Close()
		c.fail()
		return &ConnectionError{Feed: c.cfg.Name, Op: "subscribe", Err: err}
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadLimit(c.cfg.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

	// Server ping: refresh liveness, reply with pong.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	// Pong to our keepalive ping.
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	c.mu.Lock()
	if c.closed {
		// Disconnect raced with the handshake.
		c.mu.Unlock()
		conn.Close()
		close(c.events)
		close(c.loopDone)
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.keepaliveLoop(conn)

	c.logger.Debug("feed connected",
		"url", c.cfg.URL,
		"tickers", directive.EventData.Tickers,
	)

	return nil
}

// fail releases the output channels after a failed Connect so consumers of
// Events and Done never block on a client that never ran.
func (c *client) fail() {
	close(c.events)
	close(c.loopDone)
}

// Disconnect gracefully closes the connection.
func (c *client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	neverStarted := !c.started
	cancelDial := c.cancelDial
	c.mu.Unlock()

	// Signal goroutines to stop
	close(c.done)
	if cancelDial != nil {
		cancelDial()
	}

	if neverStarted {
		close(c.events)
		close(c.loopDone)
		return nil
	}
	if conn == nil {
		return nil
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := conn.Close()
	<-c.loopDone
	return err
}

// Events returns the event channel.
func (c *client) Events() <-chan model.Event {
	return c.events
}

// Done returns a channel closed when the receive loop exits.
func (c *client) Done() <-chan struct{} {
	return c.loopDone
}

// Err returns the terminal error of the receive loop.
func (c *client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Stats returns frame counters.
func (c *client) Stats() ClientStats {
	return ClientStats{
		Frames:          c.frames.Load(),
		Quotes:          c.quotes.Load(),
		Aggregates:      c.aggregates.Load(),
		Heartbeats:      c.heartbeats.Load(),
		Infos:           c.infos.Load(),
		Errors:          c.errorFrames.Load(),
		DecodeErrors:    c.decodeErrors.Load(),
		LastFrameAt:     unixNanoTime(c.lastFrameAt.Load()),
		LastHeartbeatAt: unixNanoTime(c.lastHeartbeatAt.Load()),
	}
}

// readLoop decodes frames until the connection ends.
func (c *client) readLoop(conn *websocket.Conn) {
	defer close(c.loopDone)
	defer close(c.events)
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			select {
			case <-c.done:
				// Deliberate Disconnect
			default:
				c.setErr(classifyReadError(err))
			}
			return
		}

		conn.SetReadDeadline(receivedAt.Add(c.cfg.ReadTimeout))
		c.frames.Add(1)
		c.lastFrameAt.Store(receivedAt.UnixNano())

		ev, err := model.DecodeFrame(data)
		if err != nil {
			c.decodeErrors.Add(1)
			c.cfg.Metrics.DecodeError(c.cfg.Name)
			c.logger.Warn("dropping undecodable frame",
				"error", err,
				"frame", truncate(data, 256),
			)
			continue
		}
		c.cfg.Metrics.FrameReceived(c.cfg.Name, ev.Kind.String())

		switch ev.Kind {
		case model.KindHeartbeat:
			c.heartbeats.Add(1)
			c.lastHeartbeatAt.Store(receivedAt.UnixNano())
			continue
		case model.KindInfo:
			c.infos.Add(1)
			c.logger.Info("upstream info", "message", ev.Message)
			continue
		case model.KindError:
			c.errorFrames.Add(1)
			c.logger.Warn("upstream error", "message", ev.Message)
			continue
		case model.KindQuote:
			c.quotes.Add(1)
		case model.KindAggregate:
			c.aggregates.Add(1)
		}

		ev.Feed = c.cfg.Name
		ev.ReceivedAt = receivedAt

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// keepaliveLoop pings the server so idle sessions stay open and pongs keep
// refreshing the read deadline.
func (c *client) keepaliveLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.loopDone:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

func (c *client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *client) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// classifyReadError maps read deadline expiry to ErrStaleConnection.
func classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrStaleConnection, err)
	}
	return err
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
