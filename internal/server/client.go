package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/livechat/internal/hub"
)

// clientOptions are the per-connection limits and timings.
type clientOptions struct {
	maxMessageSize int64
	sendBuffer     int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	rateBurst      int
	rateInterval   time.Duration
}

func clientOptionsFrom(cfg Config) clientOptions {
	return clientOptions{
		maxMessageSize: cfg.MaxMessageSize,
		sendBuffer:     cfg.SendBuffer,
		writeWait:      cfg.WriteWait,
		pongWait:       cfg.PongWait,
		pingPeriod:     cfg.PingPeriod,
		rateBurst:      cfg.RateLimitBurst,
		rateInterval:   cfg.RateLimitRefillInterval,
	}
}

// Client is one websocket connection. It implements hub.Handle: the router
// queues frames with Send and the write pump drains them.
type Client struct {
	id          string
	conn        *websocket.Conn
	router      *hub.Router
	log         *slog.Logger
	addr        string
	opts        clientOptions
	budget      *messageBudget

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

var _ hub.Handle = (*Client)(nil)

func newClient(id string, conn *websocket.Conn, router *hub.Router, log *slog.Logger, addr string, opts clientOptions) *Client {
	conn.SetReadLimit(opts.maxMessageSize)
	return &Client{
		id:          id,
		conn:        conn,
		router:      router,
		log:         log.With("session_id", id, "addr", addr),
		addr:        addr,
		opts:        opts,
		budget:      newMessageBudget(opts.rateBurst, opts.rateInterval),
		send:        make(chan []byte, opts.sendBuffer),
	}
}

// Send queues frame without blocking. A full queue means the peer is not
// keeping up.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return hub.ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return hub.ErrSlowConsumer
	}
}

// Close stops the write pump, which sends a close frame and tears the
// connection down; the read pump then disconnects the session. It is safe to
// call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.pongWait)); err != nil {
		c.log.Debug("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.pongWait)); err != nil {
			c.log.Debug("Error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs a read failure at a level matching how expected it is.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Frame exceeded maximum size", "limit", c.opts.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("Client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("Client connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("Unexpected websocket close", "error", err)
	default:
		c.log.Warn("Websocket read error", "error", err)
	}
}

// checkRateLimit charges the frame against the connection's message budget.
func (c *Client) checkRateLimit(event hub.Inbound, decodeErr error) bool {
	if c.budget.spend(eventCost(event, decodeErr)) {
		return true
	}
	c.log.Warn("Rate limit exceeded, discarding event",
		"burst", c.opts.rateBurst,
		"interval", c.opts.rateInterval)
	return false
}

func (c *Client) processMessage(ctx context.Context, raw []byte) {
	event, err := hub.Decode(raw)
	if !c.checkRateLimit(event, err) {
		return
	}
	if err != nil {
		c.log.Debug("Discarding undecodable frame", "error", err)
		c.router.Reject(c.id, err)
		return
	}
	if err := c.router.Route(ctx, c.id, event); err != nil {
		c.log.Debug("Event not routed", "event", event.Kind().String(), "error", err)
	}
}

// readPump owns the session: every inbound event is routed from here, and the
// session is disconnected exactly once when the loop ends.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.router.Disconnect(c.id)
		c.Close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("Error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		c.processMessage(ctx, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error closing connection in writePump", "error", err)
	}
}

// handleMessage writes one outgoing frame, or the close frame once the
// queue has been closed, and returns false if the connection should end.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeWait)); err != nil {
		c.log.Debug("Error setting write deadline", "error", err)
		return false
	}

	// A closed client drops whatever is still queued.
	if !ok || c.isClosed() {
		return c.writeCloseMessage()
	}

	if !c.writeTextMessage(message) {
		return false
	}
	return c.writeQueuedMessages()
}

func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error writing close message", "error", err)
	}
	return false
}

func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("Error writing message", "error", err)
		}
		return false
	}
	return true
}

// writeQueuedMessages flushes what is already queued. Every event keeps its
// own frame since clients parse one JSON envelope per frame.
func (c *Client) writeQueuedMessages() bool {
	n := len(c.send)
	for range n {
		message, ok := <-c.send
		if !ok {
			return c.writeCloseMessage()
		}
		if !c.writeTextMessage(message) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeWait)); err != nil {
		c.log.Debug("Error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("Error writing ping message", "error", err)
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
