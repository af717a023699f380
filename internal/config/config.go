package config

import (
	"time"

	"github.com/spf13/viper"
	pkgconfig "github.com/weiawesome/lobbycast/pkg/config"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
	"github.com/weiawesome/lobbycast/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	PubSub    pubsub.Config `mapstructure:"pubsub"`
	Realtime  RealtimeConfig
	JWT       JWTConfig
	Log       pkglog.Config
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebSocketConfig struct {
	Path           string
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	// RateLimit is the sustained inbound frames per second per connection.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// RealtimeConfig configures the Pusher Channels app. Secret is only needed
// by processes that sign grants or trigger events; Origin and ServiceToken
// only by processes that connect as a client.
type RealtimeConfig struct {
	Enabled      bool
	AppID        string `mapstructure:"app_id"`
	Key          string
	Secret       string
	Cluster      string
	Host         string
	WSURL        string `mapstructure:"ws_url"`
	Origin       string
	ServiceToken string `mapstructure:"service_token"`
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Duration time.Duration
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load(pkgconfig.GetEnv("CONFIG_PATH", "./config"), "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.rate_limit", 20)
	v.SetDefault("websocket.rate_burst", 40)
	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.password", "")
	v.SetDefault("pubsub.redis.db", 0)
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.redis.read_timeout", "3s")
	v.SetDefault("pubsub.redis.write_timeout", "3s")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "lobbycast")
	v.SetDefault("pubsub.kafka.topic_prefix", "lobbycast")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("realtime.enabled", false)
	v.SetDefault("realtime.cluster", "eu")
	v.SetDefault("jwt.issuer", "lobbycast")
	v.SetDefault("jwt.duration", "24h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "lobbycast")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("realtime.enabled", "PUSHER_ENABLED")
	v.BindEnv("realtime.app_id", "PUSHER_APP_ID")
	v.BindEnv("realtime.key", "PUSHER_KEY")
	v.BindEnv("realtime.secret", "PUSHER_SECRET")
	v.BindEnv("realtime.cluster", "PUSHER_CLUSTER")
	v.BindEnv("realtime.host", "PUSHER_HOST")
	v.BindEnv("realtime.ws_url", "PUSHER_WS_URL")
	v.BindEnv("realtime.origin", "PUSHER_AUTH_ORIGIN")
	v.BindEnv("realtime.service_token", "SERVICE_TOKEN")
	v.BindEnv("jwt.secret", "JWT_SECRET")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Server.ShutdownTimeout = parseDuration(v, "server.shutdown_timeout", 15*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.PubSub.Redis.ReadTimeout = parseDuration(v, "pubsub.redis.read_timeout", 3*time.Second)
	cfg.PubSub.Redis.WriteTimeout = parseDuration(v, "pubsub.redis.write_timeout", 3*time.Second)
	cfg.JWT.Duration = parseDuration(v, "jwt.duration", 24*time.Hour)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
