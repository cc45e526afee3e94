package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the sync service.
type Config struct {
	// Database
	DBURL                   string
	DatastoreType           string // "postgres" or "sqlite"
	DatastoreMigrateAtStart bool
	DBMaxOpenConns          int
	DBMaxIdleConns          int

	// Cache
	CacheType      string // "redis" or "none"
	RedisURL       string
	CacheMemoryTTL time.Duration

	// Server
	Listener                  ListenerConfig
	ManagementListener        ListenerConfig
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management
	// endpoints (/health, /ready, /metrics). Disabled by default to
	// suppress high-frequency probe noise from the access log.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string
	MaxBodySize         int64
	DrainTimeout        int // seconds

	// Channels (websocket)
	// ChannelAuthTimeout is how long an unauthenticated channel may idle
	// before the transport is closed.
	ChannelAuthTimeout  time.Duration
	ChannelReadTimeout  time.Duration
	ChannelWriteTimeout time.Duration
	ChannelPingInterval time.Duration
	ChannelSendBuffer   int

	// Accounts
	TrialDuration time.Duration

	// Monitoring
	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		CacheType:               "none",
		CacheMemoryTTL:          10 * time.Minute,
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:         10 * 1024 * 1024, // 10 MB
		DrainTimeout:        30,
		ChannelAuthTimeout:  30 * time.Second,
		ChannelReadTimeout:  120 * time.Second,
		ChannelWriteTimeout: 10 * time.Second,
		ChannelPingInterval: 45 * time.Second,
		ChannelSendBuffer:   32,
		TrialDuration:       7 * 24 * time.Hour,
	}
}
