// Package ws implements the feed gateway: a WebSocket client that connects
// to the chat-platform gateway, receives message events, and sends replies
// back over the same connection. It reconnects automatically with
// exponential backoff.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/guildtools/triggerd/internal/config"
	"github.com/guildtools/triggerd/internal/domain"
	"github.com/guildtools/triggerd/internal/engine"
	"github.com/guildtools/triggerd/internal/gateway"
)

// compile-time interface checks
var (
	_ gateway.Gateway  = (*Gateway)(nil)
	_ engine.ReplySink = (*Gateway)(nil)
)

// Frame types on the feed protocol.
const (
	frameMessage = "message"
	frameReply   = "reply"
	framePing    = "ping"
	framePong    = "pong"
)

// Frame is the envelope for all feed traffic, both directions.
type Frame struct {
	Type      string          `json:"type"`
	Message   *domain.Message `json:"message,omitempty"`
	TenantID  string          `json:"tenant_id,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	Text      string          `json:"text,omitempty"`
}

// Gateway is the feed gateway. It implements engine.ReplySink so the engine
// can deliver replies over the active connection.
type Gateway struct {
	cfg    *config.FeedGatewayConfig
	engine *engine.Engine
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	done chan struct{}
}

// NewGateway creates a feed gateway. The engine's reply sink should be set
// to the returned gateway before starting.
func NewGateway(cfg *config.FeedGatewayConfig, eng *engine.Engine, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		engine: eng,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start connects to the platform gateway and enters the read loop,
// reconnecting on disconnect. Blocks until the context is canceled or Stop
// is called.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		err := g.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		backoff := g.backoff(attempt)
		g.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.String("backoff", backoff.String()),
			slog.Int("attempt", attempt),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

// Stop closes the active connection and stops the reconnect loop.
func (g *Gateway) Stop(_ context.Context) error {
	close(g.done)
	g.connMu.Lock()
	conn := g.conn
	g.connMu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	return nil
}

// SendReply delivers a reply frame over the active connection. Implements
// engine.ReplySink.
func (g *Gateway) SendReply(ctx context.Context, tenantID, channelID, text string) error {
	g.connMu.Lock()
	conn := g.conn
	g.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed not connected")
	}
	return writeFrame(ctx, conn, Frame{
		Type:      frameReply,
		TenantID:  tenantID,
		ChannelID: channelID,
		Text:      text,
	})
}

func (g *Gateway) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, g.cfg.DialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{
		Subprotocols: []string{"triggerd-feed-v1"},
	}
	if g.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + g.cfg.Token}}
	}
	conn, _, err := websocket.Dial(dialCtx, g.cfg.URL, opts)
	if err != nil {
		return fmt.Errorf("dialing feed: %w", err)
	}

	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()
	defer func() {
		g.connMu.Lock()
		g.conn = nil
		g.connMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}()

	g.logger.Info("feed connected", slog.String("url", g.cfg.URL))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.logger.Warn("invalid frame from feed", slog.String("error", err.Error()))
			continue
		}
		g.handleFrame(ctx, conn, &frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, conn *websocket.Conn, frame *Frame) {
	switch frame.Type {
	case frameMessage:
		if frame.Message == nil || frame.Message.TenantID == "" {
			g.logger.Warn("message frame missing payload or tenant")
			return
		}
		// Each message runs independently; the engine bounds its lifetime.
		go func(msg domain.Message) {
			if _, err := g.engine.HandleMessage(ctx, msg); err != nil {
				g.logger.Error("message handling failed",
					slog.String("tenant_id", msg.TenantID),
					slog.String("error", err.Error()),
				)
			}
		}(*frame.Message)

	case framePing:
		if err := writeFrame(ctx, conn, Frame{Type: framePong}); err != nil {
			g.logger.Warn("pong failed", slog.String("error", err.Error()))
		}

	default:
		g.logger.Debug("unknown frame from feed", slog.String("type", frame.Type))
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// backoff doubles the floor per attempt, capped at the configured ceiling.
func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.ReconnectMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= g.cfg.ReconnectMax {
			return g.cfg.ReconnectMax
		}
	}
	if d > g.cfg.ReconnectMax {
		return g.cfg.ReconnectMax
	}
	return d
}
