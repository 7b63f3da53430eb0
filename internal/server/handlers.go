package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rickgao/tick-relay/internal/api"
	"github.com/rickgao/tick-relay/internal/model"
	"github.com/rickgao/tick-relay/internal/registry"
	"github.com/rickgao/tick-relay/internal/version"
)

// -----------------------------------------------------------------------------
// WebSocket
// -----------------------------------------------------------------------------

func (s *Server) handleWebSocket(c *gin.Context) {
	if s.cfg.MaxSubscribers > 0 && s.deps.Registry.Count() >= s.cfg.MaxSubscribers {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscriber limit reached"})
		return
	}

	filter := model.ParseFilter(c.Query("tickers"))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}

	sender := newWSSender(conn, s.cfg.WriteTimeout)
	id := s.deps.Registry.Add(sender, filter)

	s.logger.Debug("subscriber connected",
		"id", id,
		"remote", c.ClientIP(),
		"filter", filter.String(),
	)

	go s.readPump(id, conn, sender)
	go s.pingLoop(sender)
}

// readPump watches for the subscriber going away. Inbound messages carry no
// meaning and are discarded.
func (s *Server) readPump(id string, conn *websocket.Conn, sender *wsSender) {
	defer s.deps.Registry.RemoveWithReason(id, registry.ReasonRemoteClosed)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			select {
			case <-sender.Done():
				// Closed by the registry.
			default:
				s.logger.Debug("subscriber read ended", "id", id, "error", err)
			}
			return
		}
	}
}

func (s *Server) pingLoop(sender *wsSender) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sender.Done():
			return
		case <-ticker.C:
			if err := sender.ping(); err != nil {
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

type feedHealth struct {
	Name       string    `json:"name"`
	Connected  bool      `json:"connected"`
	Reconnects int64     `json:"reconnects"`
	LastError  string    `json:"last_error,omitempty"`
	LastFrame  time.Time `json:"last_frame,omitzero"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	components := gin.H{}

	if s.deps.Registry != nil {
		components["subscribers"] = s.deps.Registry.Count()
	}

	if s.deps.Feeds != nil {
		stats := s.deps.Feeds()
		feeds := make([]feedHealth, 0, len(stats.Feeds))
		for _, f := range stats.Feeds {
			feeds = append(feeds, feedHealth{
				Name:       f.Name,
				Connected:  f.Connected,
				Reconnects: f.Reconnects,
				LastError:  f.LastError,
				LastFrame:  f.Client.LastFrameAt,
			})
		}
		components["feeds"] = feeds
		if stats.ConnectedCount < len(stats.Feeds) {
			status = "degraded"
		}
	}

	if s.deps.Engine != nil {
		components["broadcast"] = s.deps.Engine()
	}

	if s.deps.Journal != nil {
		if err := s.deps.Journal.Ping(ctx); err != nil {
			status = "degraded"
			components["journal"] = gin.H{"status": "disconnected", "error": err.Error()}
		} else {
			components["journal"] = "connected"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"version":    version.String(),
		"components": components,
	})
}

// -----------------------------------------------------------------------------
// Upstream REST
// -----------------------------------------------------------------------------

// handleSnapshot returns current top-of-book quotes in the stream's
// positional array format.
func (s *Server) handleSnapshot(c *gin.Context) {
	var tickers []string
	if raw := c.Query("tickers"); raw != "" {
		tickers = strings.Split(raw, ",")
	}

	var (
		tops []api.TopOfBook
		err  error
	)
	service := c.Param("service")
	switch service {
	case api.ServiceFX:
		tops, err = s.deps.Upstream.GetFXTop(c.Request.Context(), tickers)
	case api.ServiceCrypto:
		tops, err = s.deps.Upstream.GetCryptoTop(c.Request.Context(), tickers)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service " + service})
		return
	}
	if err != nil {
		s.writeUpstreamError(c, err)
		return
	}

	events := make([]model.Event, 0, len(tops))
	for _, t := range tops {
		events = append(events, t.Event(service))
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handlePassthrough(c *gin.Context) {
	resp, err := s.deps.Upstream.Forward(c.Request.Context(), c.Param("path"), c.Request.URL.Query())
	if err != nil {
		s.writeUpstreamError(c, err)
		return
	}
	c.Data(resp.StatusCode, contentTypeOr(resp.ContentType), resp.Body)
}

// writeUpstreamError relays upstream error responses as-is and maps transport
// failures to 502.
func (s *Server) writeUpstreamError(c *gin.Context, err error) {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		c.Data(apiErr.StatusCode, contentTypeOr(apiErr.ContentType), apiErr.Body)
		return
	}
	s.logger.Warn("upstream request failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})
}

func contentTypeOr(ct string) string {
	if ct == "" {
		return "application/json"
	}
	return ct
}
