package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
)

// handlerEntry is one local listener for a resolved channel name.
type handlerEntry struct {
	id     uint64
	active atomic.Bool
	fn     func(Message)
}

// brokerCmd is a subscribe or unsubscribe waiting to be sent to the broker.
type brokerCmd struct {
	subscribe bool
	channel   string
	ack       func(error)
}

// Conns owns a publisher/subscriber connection pair shared by every channel
// built on it. Two connections are required: a broker connection in
// subscribed mode cannot issue publish commands.
//
// A single dispatcher goroutine drains the subscriber connection and calls
// the handlers registered under the message's exact channel name, in
// receipt order. Broker subscribe and unsubscribe commands are queued in
// the order the handler table changed and sent by one command goroutine.
type Conns struct {
	pub PublishConn
	sub SubscribeConn

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	handlers map[string][]*handlerEntry
	nextID   uint64
	closed   bool
	lost     bool
	queue    []brokerCmd
	wake     chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	cmdDone   chan struct{}
	logger    zerolog.Logger
}

// NewConns takes ownership of pub and sub and starts dispatching.
func NewConns(pub PublishConn, sub SubscribeConn) *Conns {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conns{
		pub:      pub,
		sub:      sub,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]*handlerEntry),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		cmdDone:  make(chan struct{}),
		logger:   pkglog.Component("pubsub"),
	}
	go c.dispatch()
	go c.commands()
	return c
}

// Publish sends a raw payload on channel.
func (c *Conns) Publish(ctx context.Context, channel string, payload []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return &TransportError{Op: "publish", Channel: channel, Err: ErrClosed}
	}
	if err := c.pub.Publish(ctx, channel, payload); err != nil {
		return &TransportError{Op: "publish", Channel: channel, Err: err}
	}
	return nil
}

// Listen registers fn for messages on channel and queues a broker subscribe
// without blocking the caller; ack receives the broker result.
// The returned function unregisters fn synchronously; it also queues a broker
// unsubscribe once no listener for the channel remains.
func (c *Conns) Listen(channel string, fn func(Message), ack func(error)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, &TransportError{Op: "subscribe", Channel: channel, Err: ErrClosed}
	case c.lost:
		return nil, &TransportError{Op: "subscribe", Channel: channel, Err: ErrSubscriberLost}
	}
	c.nextID++
	entry := &handlerEntry{id: c.nextID, fn: fn}
	entry.active.Store(true)
	c.handlers[channel] = append(c.handlers[channel], entry)
	c.enqueueLocked(brokerCmd{subscribe: true, channel: channel, ack: ack})

	return func() { c.remove(channel, entry) }, nil
}

func (c *Conns) remove(channel string, entry *handlerEntry) {
	if !entry.active.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.handlers[channel]
	for i, e := range list {
		if e.id == entry.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) > 0 {
		c.handlers[channel] = list
		return
	}
	delete(c.handlers, channel)
	if !c.closed {
		c.enqueueLocked(brokerCmd{channel: channel})
	}
}

// enqueueLocked must be called with c.mu held so queue order matches the
// order of handler table changes.
func (c *Conns) enqueueLocked(cmd brokerCmd) {
	c.queue = append(c.queue, cmd)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conns) next() (brokerCmd, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return brokerCmd{}, false
	}
	cmd := c.queue[0]
	c.queue[0] = brokerCmd{}
	c.queue = c.queue[1:]
	return cmd, true
}

func (c *Conns) commands() {
	defer close(c.cmdDone)
	for {
		select {
		case <-c.ctx.Done():
			c.abortQueued()
			return
		case <-c.wake:
		}
		for {
			cmd, ok := c.next()
			if !ok {
				break
			}
			c.send(cmd)
		}
	}
}

func (c *Conns) send(cmd brokerCmd) {
	if !cmd.subscribe {
		if err := c.sub.Unsubscribe(c.ctx, cmd.channel); err != nil && c.ctx.Err() == nil {
			c.logger.Warn().Err(err).Str(pkglog.FieldChannel, cmd.channel).Msg("broker unsubscribe failed")
		}
		return
	}
	err := c.sub.Subscribe(c.ctx, cmd.channel)
	if err != nil {
		err = &TransportError{Op: "subscribe", Channel: cmd.channel, Err: err}
	}
	if cmd.ack != nil {
		cmd.ack(err)
	}
}

func (c *Conns) abortQueued() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, cmd := range pending {
		if cmd.subscribe && cmd.ack != nil {
			cmd.ack(&TransportError{Op: "subscribe", Channel: cmd.channel, Err: ErrClosed})
		}
	}
}

// Listeners reports how many local handlers are registered for channel.
func (c *Conns) Listeners(channel string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers[channel])
}

func (c *Conns) dispatch() {
	defer close(c.done)
	for msg := range c.sub.Messages() {
		c.mu.RLock()
		entries := append([]*handlerEntry(nil), c.handlers[msg.Channel]...)
		c.mu.RUnlock()

		for _, e := range entries {
			if e.active.Load() {
				c.invoke(e, msg)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.lost = true
		c.logger.Error().Int("channels", len(c.handlers)).Msg("subscriber connection stopped delivering; listeners will no longer receive messages")
	}
}

// invoke isolates handler panics so one bad listener cannot stop delivery
// to the rest of the process.
func (c *Conns) invoke(e *handlerEntry, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str(pkglog.FieldChannel, msg.Channel).Msg("channel handler panicked")
		}
	}()
	e.fn(msg)
}

// Close closes both connections and waits for the dispatcher to exit.
func (c *Conns) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		<-c.cmdDone
		if subErr := c.sub.Close(); subErr != nil {
			err = subErr
		}
		<-c.done
		if pubErr := c.pub.Close(); pubErr != nil && err == nil {
			err = pubErr
		}
	})
	return err
}
