package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

const (
	streamWriteWait    = 10 * time.Second
	streamPongWait     = 60 * time.Second
	streamPingPeriod   = (streamPongWait * 9) / 10
	streamRetryDelay   = 2 * time.Second
	streamMaxRetryWait = 60 * time.Second
)

type hermesSubscribe struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type hermesStreamMessage struct {
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Error     string     `json:"error"`
	PriceFeed hermesFeed `json:"price_feed"`
}

// Stream subscribes to the Hermes websocket and writes every price update
// into a PriceCache, where a CacheSource can read it. It reconnects with
// exponential backoff until its context is cancelled.
type Stream struct {
	wsURL   string
	feedIDs []string
	cache   domain.PriceCache
	logger  *slog.Logger
}

// NewStream creates a stream for the given feeds.
func NewStream(wsURL string, feedIDs []string, cache domain.PriceCache, logger *slog.Logger) *Stream {
	ids := make([]string, 0, len(feedIDs))
	for _, id := range feedIDs {
		ids = append(ids, NormalizeFeedID(id))
	}
	return &Stream{
		wsURL:   wsURL,
		feedIDs: ids,
		cache:   cache,
		logger:  logger.With(slog.String("component", "oracle_stream")),
	}
}

// Run blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	delay := streamRetryDelay
	for {
		started := time.Now()
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > streamMaxRetryWait {
			delay = streamRetryDelay
		}
		s.logger.WarnContext(ctx, "hermes stream disconnected, reconnecting",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > streamMaxRetryWait {
			delay = streamMaxRetryWait
		}
	}
}

func (s *Stream) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("oracle/stream: dial: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(hermesSubscribe{Type: "subscribe", IDs: s.feedIDs}); err != nil {
		return fmt.Errorf("oracle/stream: subscribe: %w", err)
	}
	s.logger.InfoContext(ctx, "hermes stream subscribed", slog.Int("feeds", len(s.feedIDs)))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(streamWriteWait))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("oracle/stream: read: %w", err)
		}
		if err := s.handleMessage(ctx, raw); err != nil {
			s.logger.WarnContext(ctx, "hermes message dropped", slog.String("error", err.Error()))
		}
	}
}

func (s *Stream) handleMessage(ctx context.Context, raw []byte) error {
	var msg hermesStreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	switch msg.Type {
	case "price_update":
		obs, err := msg.PriceFeed.toObservation()
		if err != nil {
			return err
		}
		return s.cache.SetObservation(ctx, obs)
	case "response":
		if msg.Status != "success" {
			return fmt.Errorf("subscription rejected: %s", msg.Error)
		}
	}
	return nil
}
