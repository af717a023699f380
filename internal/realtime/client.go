package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
)

var (
	ErrNotConnected  = errors.New("realtime: not connected")
	ErrClosed        = errors.New("realtime: client closed")
	ErrNotSubscribed = errors.New("realtime: channel not subscribed")
)

const (
	defaultActivityTimeout = 120 * time.Second
	pongTimeout            = 30 * time.Second
	writeWait              = 10 * time.Second
	restoreTimeout         = 30 * time.Second
)

// ClientConfig locates a Pusher Channels app.
type ClientConfig struct {
	Key     string
	Cluster string
	// URL replaces the cluster endpoint, e.g. "ws://127.0.0.1:6001".
	URL              string
	ActivityTimeout  time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

func (c ClientConfig) endpoint() string {
	base := c.URL
	if base == "" {
		base = fmt.Sprintf("wss://ws-%s.pusher.com", c.Cluster)
	}
	return fmt.Sprintf("%s/app/%s?protocol=%d&client=%s&version=%s",
		strings.TrimRight(base, "/"), c.Key, protocolVersion, clientName, clientVersion)
}

type channelState struct {
	refs       int
	pending    bool
	subscribed bool
	waiters    []chan error
}

type binding struct {
	id      uint64
	channel string
	event   string
	fn      func(json.RawMessage)
}

// Client speaks the Pusher Channels protocol over one websocket. After a
// dropped connection it reconnects with exponential backoff, signs in again
// if it was signed in, and restores every subscription.
type Client struct {
	cfg    ClientConfig
	auth   Authorizer
	dialer *websocket.Dialer
	logger zerolog.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	conn          *websocket.Conn
	socketID      string
	channels      map[string]*channelState
	bindings      []binding
	nextBinding   uint64
	wantSignIn    bool
	signingIn     bool
	signedIn      string
	signInWaiters []chan error
	closed        bool
	done          chan struct{}
}

// NewClient creates a client; call Connect to open the socket.
func NewClient(cfg ClientConfig, auth Authorizer) *Client {
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = defaultActivityTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		auth:     auth,
		dialer:   websocket.DefaultDialer,
		logger:   pkglog.Component("realtime"),
		channels: make(map[string]*channelState),
		done:     make(chan struct{}),
	}
}

// SocketID returns the id of the current connection, or "" when offline.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Connect opens the socket and waits for the server handshake.
func (c *Client) Connect(ctx context.Context) error {
	conn, socketID, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if !c.attach(conn, socketID) {
		conn.Close()
		return ErrClosed
	}
	go c.run(conn, socketID)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.endpoint(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("realtime: dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(writeWait))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("realtime: handshake: %w", err)
	}
	switch ev.Event {
	case eventConnectionEstablished:
	case eventError:
		conn.Close()
		return nil, "", fmt.Errorf("realtime: handshake rejected: %w", protocolError(ev.Data))
	default:
		conn.Close()
		return nil, "", fmt.Errorf("realtime: unexpected handshake event %q", ev.Event)
	}

	var est connectionEstablished
	if err := decodeData(ev.Data, &est); err != nil || est.SocketID == "" {
		conn.Close()
		return nil, "", fmt.Errorf("realtime: malformed handshake: %v", err)
	}
	return conn, est.SocketID, nil
}

func (c *Client) attach(conn *websocket.Conn, socketID string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.socketID = socketID
	c.mu.Unlock()

	c.logger.Info().Str(pkglog.FieldSocketID, socketID).Msg("realtime connection established")
	go c.restore(socketID)
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.socketID = ""
	c.signingIn = false
	for _, s := range c.channels {
		s.pending = false
		s.subscribed = false
	}
}

// restore re-establishes subscriptions and sign-in on a fresh socket.
func (c *Client) restore(socketID string) {
	c.mu.Lock()
	var channels []string
	for name, s := range c.channels {
		if s.refs > 0 && !s.pending && !s.subscribed {
			s.pending = true
			channels = append(channels, name)
		}
	}
	signIn := c.wantSignIn && !c.signingIn && c.signedIn != socketID
	if signIn {
		c.signingIn = true
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	if signIn {
		if err := c.sendSignIn(ctx, socketID); err != nil {
			c.finishSignIn(socketID, err)
		}
	}
	for _, name := range channels {
		if err := c.sendSubscribe(ctx, name, socketID); err != nil {
			c.finishSubscribe(name, err)
		}
	}
}

func (c *Client) run(conn *websocket.Conn, socketID string) {
	for {
		err := c.readLoop(conn, socketID)
		c.detach(conn)
		conn.Close()
		if c.isClosed() {
			return
		}
		c.logger.Warn().Err(err).Str(pkglog.FieldSocketID, socketID).Msg("realtime connection lost, reconnecting")

		conn, socketID, err = c.reconnect()
		if err != nil {
			return
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0

	var (
		conn     *websocket.Conn
		socketID string
	)
	err := backoff.RetryNotify(func() error {
		var err error
		conn, socketID, err = c.dial(ctx)
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Dur("retry_in", wait).Msg("realtime reconnect failed")
	})
	if err != nil {
		return nil, "", err
	}
	if !c.attach(conn, socketID) {
		conn.Close()
		return nil, "", ErrClosed
	}
	return conn, socketID, nil
}

func (c *Client) readLoop(conn *websocket.Conn, socketID string) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.keepAlive(conn, stop)

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ActivityTimeout + pongTimeout))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			c.logger.Warn().Err(err).Msg("ignoring malformed realtime frame")
			continue
		}
		c.handle(socketID, ev)
	}
}

func (c *Client) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.ActivityTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeTo(conn, Event{Event: eventPing, Data: json.RawMessage(`{}`)}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) handle(socketID string, ev Event) {
	switch ev.Event {
	case eventPing:
		if err := c.send(Event{Event: eventPong, Data: json.RawMessage(`{}`)}); err != nil {
			c.logger.Debug().Err(err).Msg("pong failed")
		}
	case eventPong:
	case eventSubscriptionSucceeded:
		c.finishSubscribe(ev.Channel, nil)
	case eventSubscriptionError:
		c.finishSubscribe(ev.Channel, fmt.Errorf("realtime: subscribe %q rejected: %s", ev.Channel, string(ev.Data)))
	case eventSigninSuccess:
		c.finishSignIn(socketID, nil)
	case eventError:
		err := protocolError(ev.Data)
		c.logger.Warn().Err(err).Msg("realtime server error")
		c.mu.Lock()
		signingIn := c.signingIn
		c.mu.Unlock()
		if signingIn {
			c.finishSignIn(socketID, err)
		}
	default:
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	var fns []func(json.RawMessage)
	for _, b := range c.bindings {
		if b.channel == ev.Channel && b.event == ev.Event {
			fns = append(fns, b.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev.Data)
	}
}

// Bind calls fn for every event named event on channel. The returned
// function removes the binding.
func (c *Client) Bind(channel, event string, fn func(data json.RawMessage)) func() {
	c.mu.Lock()
	c.nextBinding++
	id := c.nextBinding
	c.bindings = append(c.bindings, binding{id: id, channel: channel, event: event, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, b := range c.bindings {
				if b.id == id {
					c.bindings = append(c.bindings[:i], c.bindings[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribe joins channel and waits for the server to confirm. Each
// successful call must be paired with Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	s, ok := c.channels[channel]
	if !ok {
		s = &channelState{}
		c.channels[channel] = s
	}
	s.refs++
	if s.subscribed {
		c.mu.Unlock()
		return nil
	}
	wait := make(chan error, 1)
	s.waiters = append(s.waiters, wait)
	send := !s.pending && c.conn != nil
	if send {
		s.pending = true
	}
	socketID := c.socketID
	c.mu.Unlock()

	if send {
		if err := c.sendSubscribe(ctx, channel, socketID); err != nil {
			c.finishSubscribe(channel, err)
		}
	}

	select {
	case err := <-wait:
		if err != nil {
			c.Unsubscribe(channel)
		}
		return err
	case <-ctx.Done():
		c.Unsubscribe(channel)
		return ctx.Err()
	}
}

func (c *Client) sendSubscribe(ctx context.Context, channel, socketID string) error {
	data := subscribeData{Channel: channel}
	if isPrivate(channel) {
		grant, err := c.auth.AuthorizeChannel(ctx, socketID, channel)
		if err != nil {
			return fmt.Errorf("realtime: authorize %q: %w", channel, err)
		}
		data.Auth, data.ChannelData = grant.Auth, grant.ChannelData
	}
	ev, err := newEvent(eventSubscribe, "", data)
	if err != nil {
		return err
	}
	return c.send(ev)
}

func (c *Client) finishSubscribe(channel string, err error) {
	c.mu.Lock()
	s, ok := c.channels[channel]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.pending = false
	s.subscribed = err == nil
	waiters := s.waiters
	s.waiters = nil
	c.mu.Unlock()

	if err != nil && len(waiters) == 0 {
		c.logger.Error().Err(err).Str(pkglog.FieldChannel, channel).Msg("realtime resubscribe failed")
	}
	for _, w := range waiters {
		w <- err
	}
}

// Unsubscribe releases one Subscribe call; the server is told to leave the
// channel when the last one is released.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	s, ok := c.channels[channel]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.channels, channel)
	joined := s.pending || s.subscribed
	c.mu.Unlock()

	if !joined {
		return
	}
	ev, _ := newEvent(eventUnsubscribe, "", subscribeData{Channel: channel})
	if err := c.send(ev); err != nil {
		c.logger.Debug().Err(err).Str(pkglog.FieldChannel, channel).Msg("unsubscribe not sent")
	}
}

// SignIn authenticates the connection as the user the authorizer vouches
// for. Repeated calls on the same socket return immediately, and the client
// signs in again by itself after a reconnect.
func (c *Client) SignIn(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.wantSignIn = true
	if c.conn != nil && c.signedIn == c.socketID {
		c.mu.Unlock()
		return nil
	}
	wait := make(chan error, 1)
	c.signInWaiters = append(c.signInWaiters, wait)
	start := !c.signingIn && c.conn != nil
	if start {
		c.signingIn = true
	}
	socketID := c.socketID
	c.mu.Unlock()

	if start {
		if err := c.sendSignIn(ctx, socketID); err != nil {
			c.finishSignIn(socketID, err)
		}
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) sendSignIn(ctx context.Context, socketID string) error {
	grant, err := c.auth.AuthenticateUser(ctx, socketID)
	if err != nil {
		return fmt.Errorf("realtime: authenticate: %w", err)
	}
	ev, err := newEvent(eventSignin, "", signinData{Auth: grant.Auth, UserData: grant.UserData})
	if err != nil {
		return err
	}
	return c.send(ev)
}

func (c *Client) finishSignIn(socketID string, err error) {
	c.mu.Lock()
	c.signingIn = false
	if err == nil {
		c.signedIn = socketID
	}
	waiters := c.signInWaiters
	c.signInWaiters = nil
	c.mu.Unlock()

	if err == nil {
		c.logger.Info().Str(pkglog.FieldSocketID, socketID).Msg("realtime signed in")
	}
	for _, w := range waiters {
		w <- err
	}
}

// Trigger sends a client event on a subscribed private channel. Delivery
// is not acknowledged.
func (c *Client) Trigger(channel, event string, data any) error {
	if !strings.HasPrefix(event, clientEventPrefix) {
		return fmt.Errorf("realtime: client event %q must start with %q", event, clientEventPrefix)
	}
	c.mu.Lock()
	s, ok := c.channels[channel]
	subscribed := ok && s.subscribed
	c.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}

	ev, err := newEvent(event, channel, data)
	if err != nil {
		return err
	}
	return c.send(ev)
}

func (c *Client) send(ev Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeTo(conn, ev)
}

func (c *Client) writeTo(conn *websocket.Conn, ev Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close disconnects and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

func protocolError(raw json.RawMessage) error {
	var e errorData
	if err := decodeData(raw, &e); err != nil {
		return fmt.Errorf("realtime: %s", string(raw))
	}
	if e.Code != nil {
		return fmt.Errorf("realtime: error %d: %s", *e.Code, e.Message)
	}
	return fmt.Errorf("realtime: %s", e.Message)
}
