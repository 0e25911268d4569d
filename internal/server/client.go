package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/grouprelay/internal/config"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ClientOptions describe one accepted connection.
type ClientOptions struct {
	ID             string
	UserID         string
	Addr           string
	MaxMessageSize int64
	RateLimit      config.RateLimitConfig
	Logger         *slog.Logger
}

// Client is one WebSocket connection. Frames from the socket are handled
// one at a time, in arrival order.
type Client struct {
	id             string
	userID         string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	dispatcher     Dispatcher
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      config.RateLimitConfig
	logger         *slog.Logger
}

// NewClient prepares a client for conn. Hand it to Hub.Register to start it.
func NewClient(conn *websocket.Conn, hub *Hub, dispatcher Dispatcher, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = nopDispatcher{}
	}
	if conn != nil && opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	return &Client{
		id:             opts.ID,
		userID:         opts.UserID,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		dispatcher:     dispatcher,
		addr:           opts.Addr,
		maxMessageSize: opts.MaxMessageSize,
		rateLimiter:    newRateLimiter(opts.RateLimit.Burst, opts.RateLimit.RefillInterval),
		rateLimit:      opts.RateLimit,
		logger:         opts.Logger.With("conn", opts.ID),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("set read deadline failed", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", "addr", c.addr, "limit", c.maxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Debug("client disconnected", "addr", c.addr, "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("client connection closed", "addr", c.addr, "error", err)
	default:
		c.logger.Warn("websocket read error", "addr", c.addr, "error", err)
	}
}

func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding frame", "addr", c.addr, "burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// processMessage decodes one invocation and runs it. A completion frame is
// queued when the invocation carries an id.
func (c *Client) processMessage(ctx context.Context, raw []byte) {
	var inv Invocation
	if err := json.Unmarshal(raw, &inv); err != nil {
		c.logger.Warn("invalid frame", "addr", c.addr, "error", err)
		return
	}

	var err error
	if strings.TrimSpace(inv.Target) == "" {
		err = errors.New("missing target")
	} else {
		err = c.dispatcher.Invoke(ctx, c.id, inv.Target, inv.Arguments)
	}
	if err != nil {
		c.logger.Warn("invocation failed", "target", inv.Target, "error", err)
	}

	if inv.InvocationID == "" {
		return
	}
	done := Completion{InvocationID: inv.InvocationID}
	if err != nil {
		done.Error = err.Error()
	}
	payload, mErr := json.Marshal(done)
	if mErr != nil {
		c.logger.Error("encode completion failed", "error", mErr)
		return
	}
	if sErr := c.hub.Send(ctx, c.id, payload); sErr != nil {
		c.logger.Debug("completion not delivered", "invocation", inv.InvocationID, "error", sErr)
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.dispatcher.OnDisconnect(context.WithoutCancel(ctx), c.id)
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()

	if err := c.dispatcher.OnConnect(ctx, c.id, c.userID); err != nil {
		c.logger.Warn("connect handler failed", "error", err)
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if !c.checkRateLimit() {
			continue
		}
		c.processMessage(ctx, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in writePump", "error", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.handleMessage(message, ok) {
				return
			}
		case <-ticker.C:
			if !c.handlePing() {
				return
			}
		}
	}
}

// handleMessage writes one queued frame. It returns false when the queue is
// closed or the socket fails.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline failed", "error", err)
		return false
	}
	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("write close message failed", "error", err)
		}
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.Warn("write message failed", "addr", c.addr, "error", err)
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline for ping failed", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("write ping failed", "error", err)
		return false
	}
	return true
}

type nopDispatcher struct{}

func (nopDispatcher) OnConnect(context.Context, string, string) error { return nil }
func (nopDispatcher) OnDisconnect(context.Context, string) {}
func (nopDispatcher) Invoke(context.Context, string, string, []json.RawMessage) error {
	return nil
}
