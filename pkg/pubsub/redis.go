package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a Redis client and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// ConnectRedis opens the two Redis connections backing a Conns. A client
// in subscriber mode cannot run other commands, so publishing gets its own.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*Conns, error) {
	pubClient, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	subClient, err := NewRedisClient(ctx, cfg)
	if err != nil {
		pubClient.Close()
		return nil, err
	}
	return NewConns(NewRedisPublisher(pubClient), NewRedisSubscriber(subClient)), nil
}

// RedisPublisher publishes with PUBLISH.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher takes ownership of client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// RedisSubscriber multiplexes all channels over a single *redis.PubSub.
type RedisSubscriber struct {
	client *redis.Client

	mu     sync.Mutex
	ps     *redis.PubSub
	closed bool
	out    chan Message
	done   chan struct{}
}

// NewRedisSubscriber takes ownership of client. The PubSub connection is
// opened on the first Subscribe.
func NewRedisSubscriber(client *redis.Client) *RedisSubscriber {
	return &RedisSubscriber{
		client: client,
		out:    make(chan Message, 256),
		done:   make(chan struct{}),
	}
}

func (s *RedisSubscriber) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.ps == nil {
		s.ps = s.client.Subscribe(ctx, channels...)
		// Wait for the confirmation so failures surface to the caller.
		if _, err := s.ps.Receive(ctx); err != nil {
			s.ps.Close()
			s.ps = nil
			return err
		}
		go s.pump(s.ps)
		return nil
	}
	return s.ps.Subscribe(ctx, channels...)
}

func (s *RedisSubscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.ps == nil {
		return nil
	}
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *RedisSubscriber) Messages() <-chan Message { return s.out }

func (s *RedisSubscriber) pump(ps *redis.PubSub) {
	defer close(s.done)
	for msg := range ps.Channel() {
		s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *RedisSubscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ps := s.ps
	s.mu.Unlock()

	if ps != nil {
		ps.Close()
		<-s.done
	}
	close(s.out)
	return s.client.Close()
}

// Client returns the underlying Redis client for advanced operations.
func (s *RedisSubscriber) Client() *redis.Client {
	return s.client
}
