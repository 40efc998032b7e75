// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	BusRedis = "redis"
	BusNATS  = "nats"
)

type Config struct {
	ListenAddr string
	HTTPAddr   string
	ServerID   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration

	EventBus string
	NATSURL  string

	DBPath       string
	SeedUsers    []string
	SeedPassword string

	TLSCertFile string
	TLSKeyFile  string

	JWTSecret string

	LogLevel  string
	LogPretty bool

	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	DeliveryTimeout time.Duration
	ConnRate        int
	ConnBurst       int
	ShutdownTimeout time.Duration
}

// Default returns the configuration used when no environment overrides are
// present. ServerID is left empty; Load fills it in.
func Default() Config {
	return Config{
		ListenAddr:        ":8000",
		HTTPAddr:          ":8080",
		RedisAddr:         "localhost:6379",
		KeyPrefix:         "chat:",
		PresenceTTL:       30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		EventBus:          BusRedis,
		NATSURL:           "nats://localhost:4222",
		DBPath:            "relaychat.db",
		SeedUsers:         []string{"a", "b", "c", "d", "e", "f", "g", "h"},
		SeedPassword:      "1",
		LogLevel:          "info",
		WriteTimeout:      5 * time.Second,
		DeliveryTimeout:   500 * time.Millisecond,
		ConnRate:          20,
		ConnBurst:         40,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Load reads the environment on top of Default and validates the result.
func Load() (*Config, error) {
	cfg := Default()

	cfg.ListenAddr = envOrDefault("CHAT_LISTEN_ADDR", portAddr(os.Getenv("SERVER_PORT"), cfg.ListenAddr))
	cfg.HTTPAddr = envOrDefault("CHAT_HTTP_ADDR", cfg.HTTPAddr)
	cfg.ServerID = os.Getenv("SERVER_ID")

	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	cfg.RedisAddr = net.JoinHostPort(host, port)
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.KeyPrefix = envOrDefault("CHAT_KEY_PREFIX", cfg.KeyPrefix)

	cfg.EventBus = strings.ToLower(envOrDefault("CHAT_EVENT_BUS", cfg.EventBus))
	cfg.NATSURL = envOrDefault("NATS_URL", cfg.NATSURL)

	cfg.DBPath = envOrDefault("CHAT_DB_PATH", cfg.DBPath)
	if v := os.Getenv("CHAT_SEED_USERS"); v != "" {
		cfg.SeedUsers = splitList(v)
	}
	cfg.SeedPassword = envOrDefault("CHAT_SEED_PASSWORD", cfg.SeedPassword)

	cfg.TLSCertFile = os.Getenv("CHAT_TLS_CERT")
	cfg.TLSKeyFile = os.Getenv("CHAT_TLS_KEY")
	cfg.JWTSecret = os.Getenv("APP_SECRET")

	cfg.LogLevel = envOrDefault("CHAT_LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}
	if cfg.ConnRate, err = envInt("CHAT_CONN_RATE", cfg.ConnRate); err != nil {
		return nil, err
	}
	if cfg.ConnBurst, err = envInt("CHAT_CONN_BURST", cfg.ConnBurst); err != nil {
		return nil, err
	}
	if cfg.LogPretty, err = envBool("CHAT_LOG_PRETTY", cfg.LogPretty); err != nil {
		return nil, err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CHAT_PRESENCE_TTL", &cfg.PresenceTTL},
		{"CHAT_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"CHAT_IDLE_TIMEOUT", &cfg.IdleTimeout},
		{"CHAT_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"CHAT_DELIVERY_TIMEOUT", &cfg.DeliveryTimeout},
		{"CHAT_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, *d.dst); err != nil {
			return nil, err
		}
	}

	if cfg.ServerID == "" {
		id, err := nanoid.New(8)
		if err != nil {
			return nil, fmt.Errorf("generate server id: %w", err)
		}
		cfg.ServerID = "server-" + id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalidConfig)
	}
	if c.ServerID == "" {
		return fmt.Errorf("%w: server id is empty", ErrInvalidConfig)
	}
	if c.PresenceTTL <= 0 || c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: presence ttl and heartbeat interval must be positive", ErrInvalidConfig)
	}
	if c.HeartbeatInterval >= c.PresenceTTL {
		return fmt.Errorf("%w: heartbeat interval %s must be shorter than presence ttl %s",
			ErrInvalidConfig, c.HeartbeatInterval, c.PresenceTTL)
	}
	if c.EventBus != BusRedis && c.EventBus != BusNATS {
		return fmt.Errorf("%w: unknown event bus %q", ErrInvalidConfig, c.EventBus)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("%w: CHAT_TLS_CERT and CHAT_TLS_KEY must be set together", ErrInvalidConfig)
	}
	if c.HTTPAddr != "" && c.JWTSecret == "" {
		return fmt.Errorf("%w: APP_SECRET is required when the admin API is enabled", ErrInvalidConfig)
	}
	if c.ConnRate <= 0 || c.ConnBurst <= 0 {
		return fmt.Errorf("%w: connection rate and burst must be positive", ErrInvalidConfig)
	}
	return nil
}

// TLSEnabled reports whether the chat listener is wrapped in TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != ""
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// portAddr keeps compatibility with deployments that only set SERVER_PORT.
func portAddr(port, def string) string {
	if port == "" {
		return def
	}
	return ":" + port
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
