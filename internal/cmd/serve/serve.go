package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/soulsync/soulsync-server/internal/config"
	registrycache "github.com/soulsync/soulsync-server/internal/registry/cache"
	registrystore "github.com/soulsync/soulsync-server/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/soulsync/soulsync-server/internal/plugin/cache/noop"
	_ "github.com/soulsync/soulsync-server/internal/plugin/cache/redis"
	_ "github.com/soulsync/soulsync-server/internal/plugin/route/system"
	_ "github.com/soulsync/soulsync-server/internal/plugin/store/sqlstore"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the sync service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("SOULSYNC_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("SOULSYNC_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file; enables TLS when set together with --tls-key-file",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("SOULSYNC_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("SOULSYNC_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Server:",
			Sources:     cli.EnvVars("SOULSYNC_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("SOULSYNC_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("SOULSYNC_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS handling on the main server",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("SOULSYNC_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins; empty allows any origin",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("SOULSYNC_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum HTTP request body size in bytes",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("SOULSYNC_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for in-flight requests on shutdown",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("SOULSYNC_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("SOULSYNC_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("SOULSYNC_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("SOULSYNC_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.BoolFlag{
			Name:        "db-migrate",
			Category:    "Database:",
			Sources:     cli.EnvVars("SOULSYNC_DB_MIGRATE"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations at startup",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("SOULSYNC_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("SOULSYNC_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "cache-memory-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("SOULSYNC_CACHE_MEMORY_TTL"),
			Destination: &cfg.CacheMemoryTTL,
			Value:       cfg.CacheMemoryTTL,
			Usage:       "TTL for cached latest-memory snapshots",
		},

		// ── Channels ──────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "channel-auth-timeout",
			Category:    "Channels:",
			Sources:     cli.EnvVars("SOULSYNC_CHANNEL_AUTH_TIMEOUT"),
			Destination: &cfg.ChannelAuthTimeout,
			Value:       cfg.ChannelAuthTimeout,
			Usage:       "How long an unauthenticated channel may idle before being closed",
		},
		&cli.DurationFlag{
			Name:        "channel-read-timeout",
			Category:    "Channels:",
			Sources:     cli.EnvVars("SOULSYNC_CHANNEL_READ_TIMEOUT"),
			Destination: &cfg.ChannelReadTimeout,
			Value:       cfg.ChannelReadTimeout,
			Usage:       "Idle read deadline for authenticated channels",
		},
		&cli.DurationFlag{
			Name:        "channel-write-timeout",
			Category:    "Channels:",
			Sources:     cli.EnvVars("SOULSYNC_CHANNEL_WRITE_TIMEOUT"),
			Destination: &cfg.ChannelWriteTimeout,
			Value:       cfg.ChannelWriteTimeout,
			Usage:       "Write deadline for channel frames",
		},
		&cli.DurationFlag{
			Name:        "channel-ping-interval",
			Category:    "Channels:",
			Sources:     cli.EnvVars("SOULSYNC_CHANNEL_PING_INTERVAL"),
			Destination: &cfg.ChannelPingInterval,
			Value:       cfg.ChannelPingInterval,
			Usage:       "Interval between keepalive pings on channels",
		},
		&cli.IntFlag{
			Name:        "channel-send-buffer",
			Category:    "Channels:",
			Sources:     cli.EnvVars("SOULSYNC_CHANNEL_SEND_BUFFER"),
			Destination: &cfg.ChannelSendBuffer,
			Value:       cfg.ChannelSendBuffer,
			Usage:       "Per-channel outbound frame buffer; full buffers drop events",
		},

		// ── Accounts ──────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "trial-duration",
			Category:    "Accounts:",
			Sources:     cli.EnvVars("SOULSYNC_TRIAL_DURATION"),
			Destination: &cfg.TrialDuration,
			Value:       cfg.TrialDuration,
			Usage:       "Trial period granted to new accounts",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("SOULSYNC_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=soulsync-server",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}
