package main

import (
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/sation/messenger/internal/auth"
	"github.com/sation/messenger/internal/broadcast"
	"github.com/sation/messenger/internal/ws"
)

// Config is the process configuration. Fields start from the package
// defaults and are overridden by environment variables when set.
type Config struct {
	ListenAddr     string        `env:"LISTEN_ADDR"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE"`
	MaxConnections int           `env:"MAX_CONNECTIONS"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT"`

	DatabaseURL string `env:"DATABASE_URL"` // empty selects the in-memory store
	AutoMigrate bool   `env:"AUTO_MIGRATE"`
	RedisAddr   string `env:"REDIS_ADDR"`
	NATSURL     string `env:"NATS_URL"` // empty disables the cross-node relay
	ServerName  string `env:"SERVER_NAME"`

	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL"`

	OutboxSize     int           `env:"OUTBOX_SIZE"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT"`
}

// defaultConfig returns the configuration used when no variable is set.
func defaultConfig() Config {
	server := ws.DefaultServerConfig()
	token := auth.DefaultTokenConfig()
	return Config{
		ListenAddr:        server.ListenAddr,
		WorkerPoolSize:    server.WorkerPoolSize,
		MaxConnections:    server.MaxConnections,
		ReadTimeout:       server.ReadTimeout,
		WriteTimeout:      server.WriteTimeout,
		HeartbeatInterval: server.Heartbeat.Interval,
		HeartbeatTimeout:  server.Heartbeat.Timeout,
		AutoMigrate:       true,
		RedisAddr:         "localhost:6379",
		JWTSecret:         token.Secret,
		TokenTTL:          token.TTL,
		OutboxSize:        broadcast.DefaultOutboxSize,
		RequestTimeout:    5 * time.Second,
	}
}

// loadConfig reads .env when present and applies environment overrides.
func loadConfig() (Config, error) {
	_ = godotenv.Load()

	config := defaultConfig()
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if config.WorkerPoolSize <= 0 || config.MaxConnections <= 0 {
		return Config{}, fmt.Errorf("config: WORKER_POOL_SIZE and MAX_CONNECTIONS must be positive")
	}
	return config, nil
}

func (c Config) server() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:     c.ListenAddr,
		WorkerPoolSize: c.WorkerPoolSize,
		MaxConnections: c.MaxConnections,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		Heartbeat:      ws.HeartbeatConfig{Interval: c.HeartbeatInterval, Timeout: c.HeartbeatTimeout},
	}
}

func (c Config) token() auth.TokenConfig {
	token := auth.DefaultTokenConfig()
	token.Secret = c.JWTSecret
	token.TTL = c.TokenTTL
	return token
}
