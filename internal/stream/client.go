// Package stream owns the persistent live metrics channel for one
// (server, credential) scope: dialing, frame decoding, and teardown.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	smerrors "github.com/team-btg/server-metrics/internal/errors"
	"github.com/team-btg/server-metrics/internal/models"
	"github.com/team-btg/server-metrics/internal/normalize"
	"github.com/team-btg/server-metrics/internal/telemetry"
)

const (
	wsHandshakeWait = 15 * time.Second
	wsPongWait      = 70 * time.Second
	wsPingInterval  = 25 * time.Second
	wsWriteWait     = 10 * time.Second

	// Frame discriminants on the metrics socket. Anything else is ignored.
	frameTypeMetric = "metric"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosed       State = "closed"
)

// frame is the envelope on every inbound message.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Config holds the scope identity and transport parameters for one client.
type Config struct {
	URL      string // ws endpoint base, e.g. "ws://localhost:8000/api/v1"
	ServerID string
	Token    string
}

// PointHandler receives each normalized live point in arrival order.
type PointHandler func(point models.MetricPoint)

// StateHandler is notified of lifecycle transitions.
type StateHandler func(state State)

// Client is a single-use live stream connection. A new scope activation
// always constructs a fresh client; Closed is terminal.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	onPoint PointHandler
	onState StateHandler

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn
}

// NewClient creates a live stream client for one scope.
func NewClient(cfg Config, onPoint PointHandler, onState StateHandler, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("stream: endpoint URL required")
	}
	if strings.TrimSpace(cfg.ServerID) == "" {
		return nil, fmt.Errorf("stream: server ID required")
	}
	if onPoint == nil {
		return nil, fmt.Errorf("stream: point handler required")
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		onPoint: onPoint,
		onState: onState,
		state:   StateDisconnected,
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	handler := c.onState
	c.mu.Unlock()

	if changed && handler != nil {
		handler(state)
	}
}

// endpoint builds the scoped websocket URL.
func (c *Client) endpoint() (string, error) {
	base := strings.TrimSuffix(c.cfg.URL, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://"):
		base = "ws://" + base
	}

	query := url.Values{}
	query.Set("server_id", c.cfg.ServerID)
	if c.cfg.Token != "" {
		query.Set("token", c.cfg.Token)
	}
	endpoint := base + "/ws/metrics?" + query.Encode()
	if _, err := url.Parse(endpoint); err != nil {
		return "", fmt.Errorf("stream: invalid endpoint: %w", err)
	}
	return endpoint, nil
}

// Run dials the channel and consumes frames until the context is cancelled
// or the remote side closes. Frames are processed strictly in arrival order.
// Returns nil on context cancellation and a transport-closed error on an
// unsolicited remote close.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		c.setState(StateClosed)
		return err
	}

	c.setState(StateConnecting)
	c.logger.Debug().Str("serverID", c.cfg.ServerID).Msg("Connecting live metrics stream")

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.setState(StateClosed)
		if ctx.Err() != nil {
			return nil
		}
		return smerrors.WrapTransportClosed("dial_stream", c.cfg.ServerID, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.setState(StateClosed)
	}()

	// Each pong extends the read deadline; a silent peer eventually fails
	// the read and surfaces as a transport close.
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	c.setState(StateOpen)
	c.logger.Info().Str("serverID", c.cfg.ServerID).Msg("Live metrics stream open")

	go c.pingLoop(ctx, conn)

	// Cancellation must unblock the pending read, so a watcher closes the
	// socket when the scope context ends.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			c.closeGracefully(conn)
			conn.Close()
		case <-watchDone:
		}
	}()

	return c.readPump(ctx, conn)
}

// readPump is the single frame consumer; no parallel decode, so arrival
// order is preserved end to end.
func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return smerrors.WrapTransportClosed("read_frame", c.cfg.ServerID, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		c.handleFrame(msg)
	}
}

// handleFrame decodes one inbound frame. Any decode or normalization error
// drops the frame without closing the connection.
func (c *Client) handleFrame(msg []byte) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		telemetry.RecordFrameDropped("decode_error")
		c.logger.Warn().Err(err).Str("serverID", c.cfg.ServerID).Msg("Dropping undecodable frame")
		return
	}
	telemetry.RecordFrame(f.Type)
	if f.Type != frameTypeMetric {
		c.logger.Debug().Str("type", f.Type).Msg("Ignoring non-metric frame")
		return
	}

	var rec models.RawRecord
	if err := json.Unmarshal(f.Data, &rec); err != nil {
		telemetry.RecordFrameDropped("decode_error")
		c.logger.Warn().Err(err).Str("serverID", c.cfg.ServerID).Msg("Dropping malformed metric frame")
		return
	}

	point, err := normalize.Record(rec)
	if err != nil {
		telemetry.RecordFrameDropped("malformed_record")
		c.logger.Warn().Err(err).Str("serverID", c.cfg.ServerID).Msg("Dropping metric frame with bad timestamp")
		return
	}

	c.onPoint(point)
}

// pingLoop keeps the channel alive. Exits when the context ends or a write
// fails; a failed ping surfaces through the read deadline.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("Stream ping failed")
				return
			}
		}
	}
}

// closeGracefully sends a close frame on scope teardown so the server sees
// an orderly shutdown rather than a dropped TCP connection.
func (c *Client) closeGracefully(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
