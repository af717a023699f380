package pubsub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	GroupID     string `mapstructure:"group_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	Partitions  int    `mapstructure:"partitions"`
}

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Config selects and configures the broker behind a Conns.
type Config struct {
	Driver string      `mapstructure:"driver"` // "redis", "kafka", "memory"
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver: "redis",
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:     "localhost:9092",
			GroupID:     "lobbycast",
			TopicPrefix: "lobbycast",
			Partitions:  4,
		},
	}
}

// Driver opens a connection pair for a broker.
type Driver func(ctx context.Context, cfg Config) (*Conns, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{
		"redis": func(ctx context.Context, cfg Config) (*Conns, error) {
			return ConnectRedis(ctx, cfg.Redis)
		},
		"memory": func(ctx context.Context, cfg Config) (*Conns, error) {
			return NewMemoryBroker().Conns(), nil
		},
	}
)

// RegisterDriver makes a broker driver available to Connect. Drivers with
// heavy dependencies (kafka) register themselves from their own package.
func RegisterDriver(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = d
}

// Drivers lists the registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect opens the connection pair for cfg.Driver.
func Connect(ctx context.Context, cfg Config) (*Conns, error) {
	name := cfg.Driver
	if name == "" {
		name = "redis"
	}

	driversMu.RLock()
	d, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pubsub: unknown driver %q (registered: %v)", name, Drivers())
	}
	return d(ctx, cfg)
}
