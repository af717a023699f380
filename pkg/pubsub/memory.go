package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	pkglog "github.com/weiawesome/lobbycast/pkg/log"
)

// MemoryStats counts broker-level operations.
type MemoryStats struct {
	Published    int64
	Dropped      int64
	Subscribes   int64
	Unsubscribes int64
}

// MemoryBroker is an in-process broker with at-most-once delivery. Slow
// subscribers lose messages once their buffer is full.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[*memorySubscriber]struct{}

	published    atomic.Int64
	dropped      atomic.Int64
	subscribes   atomic.Int64
	unsubscribes atomic.Int64
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[*memorySubscriber]struct{})}
}

// Conns returns a new connection pair on this broker.
func (b *MemoryBroker) Conns() *Conns {
	return NewConns(b.Publisher(), b.Subscriber())
}

// Publisher returns a publishing connection.
func (b *MemoryBroker) Publisher() PublishConn {
	return &memoryPublisher{broker: b}
}

// Subscriber returns a new subscribing connection.
func (b *MemoryBroker) Subscriber() SubscribeConn {
	s := &memorySubscriber{
		broker:   b,
		channels: make(map[string]struct{}),
		out:      make(chan Message, 1024),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Stats returns a snapshot of operation counters.
func (b *MemoryBroker) Stats() MemoryStats {
	return MemoryStats{
		Published:    b.published.Load(),
		Dropped:      b.dropped.Load(),
		Subscribes:   b.subscribes.Load(),
		Unsubscribes: b.unsubscribes.Load(),
	}
}

// Subscribed reports how many subscriber connections currently hold a broker
// subscription on channel.
func (b *MemoryBroker) Subscribed(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for s := range b.subs {
		if s.isSubscribed(channel) {
			n++
		}
	}
	return n
}

func (b *MemoryBroker) publish(channel string, payload []byte) {
	b.published.Add(1)
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.isSubscribed(channel) {
			continue
		}
		select {
		case s.out <- msg:
		default:
			b.dropped.Add(1)
			l := pkglog.L()
			l.Warn().Str(pkglog.FieldChannel, channel).Msg("memory broker: subscriber buffer full, dropping message")
		}
	}
}

type memoryPublisher struct {
	broker *MemoryBroker
	closed atomic.Bool
}

func (p *memoryPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.broker.publish(channel, payload)
	return nil
}

func (p *memoryPublisher) Close() error {
	p.closed.Store(true)
	return nil
}

type memorySubscriber struct {
	broker *MemoryBroker

	mu       sync.RWMutex
	channels map[string]struct{}
	closed   bool
	out      chan Message
}

func (s *memorySubscriber) isSubscribed(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *memorySubscriber) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	s.broker.subscribes.Add(1)
	return nil
}

func (s *memorySubscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	s.broker.unsubscribes.Add(1)
	return nil
}

func (s *memorySubscriber) Messages() <-chan Message { return s.out }

func (s *memorySubscriber) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.broker.subs, s)
	close(s.out)
	return nil
}
