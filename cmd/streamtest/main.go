// streamtest prints decoded ticks either straight from an upstream feed or
// from a running relay.
//
// Usage:
//
//	go run ./cmd/streamtest --config configs/relay.yaml --feed fx
//	go run ./cmd/streamtest --relay "ws://localhost:8080/ws?tickers=eurusd,btcusd"
//
// Upstream mode reads the feed's URL and key from the config file; ${VAR}
// references are expanded from the environment and an optional .env file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/rickgao/tick-relay/internal/config"
	"github.com/rickgao/tick-relay/internal/connection"
	"github.com/rickgao/tick-relay/internal/model"
)

func main() {
	configPath := flag.String("config", "configs/relay.example.yaml", "path to config file")
	feedName := flag.String("feed", "", "upstream feed name from the config")
	relayURL := flag.String("relay", "", "relay websocket URL (overrides --feed)")
	verbose := flag.Bool("verbose", false, "print the raw positional array")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var err error
	if *relayURL != "" {
		err = streamRelay(ctx, *relayURL, *verbose, logger)
	} else {
		err = streamFeed(ctx, *configPath, *feedName, *verbose, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stream failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// streamFeed connects one upstream feed client and prints its events.
func streamFeed(ctx context.Context, configPath, name string, verbose bool, logger *slog.Logger) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.LoadWithDefaults(configPath)
	if err != nil {
		return err
	}

	var feed *config.FeedConfig
	for i := range cfg.Feeds {
		if name == "" || cfg.Feeds[i].Name == name {
			feed = &cfg.Feeds[i]
			break
		}
	}
	if feed == nil {
		return fmt.Errorf("feed %q not found in %s", name, configPath)
	}

	client := connection.NewClient(connection.ClientConfig{
		Name:           feed.Name,
		URL:            feed.URL,
		APIKey:         feed.APIKey,
		Tickers:        feed.Tickers,
		ThresholdLevel: feed.ThresholdLevel,
		PingInterval:   cfg.Connections.PingInterval,
		ReadTimeout:    cfg.Connections.ReadTimeout,
	}, logger)

	logger.Info("connecting to feed", "feed", feed.Name, "url", feed.URL)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := client.Stats()
				logger.Info("stats",
					"frames", s.Frames,
					"quotes", s.Quotes,
					"aggregates", s.Aggregates,
					"heartbeats", s.Heartbeats,
					"decode_errors", s.DecodeErrors,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-client.Events():
			if !ok {
				return client.Err()
			}
			printEvent(ev, verbose)
		}
	}
}

// streamRelay subscribes to a relay and prints what it forwards.
func streamRelay(ctx context.Context, url string, verbose bool, logger *slog.Logger) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	logger.Info("subscribed to relay - press Ctrl+C to stop", "url", url)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read relay: %w", err)
		}

		ev, err := model.DecodeFrame(data)
		if err != nil {
			logger.Warn("undecodable frame", "error", err, "data", string(data))
			continue
		}
		printEvent(ev, verbose)
	}
}

func printEvent(ev model.Event, verbose bool) {
	if verbose {
		data, _ := ev.MarshalJSON()
		fmt.Printf("[%s] %s\n", ev.Kind, data)
		return
	}

	ts := ev.Timestamp.UTC().Format(time.RFC3339Nano)
	switch ev.Kind {
	case model.KindQuote:
		q := ev.Quote
		fmt.Printf("[QUOTE] %s %s bid=%s x %s mid=%s ask=%s x %s\n",
			ts, ev.Instrument, q.BidPrice, q.BidSize, q.MidPrice, q.AskPrice, q.AskSize)
	case model.KindAggregate:
		a := ev.Aggregate
		fmt.Printf("[AGG] %s %s o=%s h=%s l=%s c=%s v=%s\n",
			ts, ev.Instrument, a.Open, a.High, a.Low, a.Close, a.Volume)
	default:
		fmt.Printf("[%s] %s\n", ev.Kind, ev.Message)
	}
}
