package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/weiawesome/lobbycast/internal/config"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
	"golang.org/x/time/rate"
)

// Client is one websocket connection and the subscriptions it carries.
type Client struct {
	ID      string
	Session *Session
	hub     *Hub
	conn    *websocket.Conn
	config  config.WebSocketConfig
	limiter *rate.Limiter
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.RWMutex
	send   chan []byte
	closed bool

	subsMu sync.Mutex
	subs   map[string]context.CancelFunc
}

func NewClient(id string, hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig, session *Session) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Client{
		ID:      id,
		Session: session,
		hub:     hub,
		conn:    conn,
		config:  cfg,
		limiter: rate.NewLimiter(limit, max(cfg.RateBurst, 1)),
		logger:  pkglog.Component("rpc").With().Str(pkglog.FieldConnID, id).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, buffer),
		subs:    make(map[string]context.CancelFunc),
	}
}

// Context is cancelled when the connection closes.
func (c *Client) Context() context.Context { return c.ctx }

func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		c.cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if c.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read failed")
			}
			break
		}

		if !c.limiter.Allow() {
			c.Send(errorResponse(nil, "", Errorf(CodeTooManyRequests, "slow down")))
			continue
		}

		handler(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.pumps.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a frame. Frames for a full queue or a closed connection are
// dropped and false is returned.
func (c *Client) Send(resp Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode response")
		return false
	}
	return c.SendRaw(data)
}

func (c *Client) SendRaw(data []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close ends the outbound queue; WritePump drains it and closes the socket.
func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) startSub(id string) (context.Context, bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, dup := c.subs[id]; dup {
		return nil, false
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.subs[id] = cancel
	return ctx, true
}

// stopSub cancels subscription id and reports whether it was running.
func (c *Client) stopSub(id string) bool {
	c.subsMu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Subscriptions is the number of running subscriptions.
func (c *Client) Subscriptions() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs)
}

func deadline(cfg config.WebSocketConfig) time.Time {
	return time.Now().Add(cfg.WriteWait)
}
