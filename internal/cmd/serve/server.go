package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/soulsync/soulsync-server/internal/config"
	"github.com/soulsync/soulsync-server/internal/notify"
	"github.com/soulsync/soulsync-server/internal/plugin/route/accounts"
	"github.com/soulsync/soulsync-server/internal/plugin/route/memories"
	"github.com/soulsync/soulsync-server/internal/plugin/route/profiles"
	routesystem "github.com/soulsync/soulsync-server/internal/plugin/route/system"
	storemetrics "github.com/soulsync/soulsync-server/internal/plugin/store/metrics"
	registrycache "github.com/soulsync/soulsync-server/internal/registry/cache"
	registrymigrate "github.com/soulsync/soulsync-server/internal/registry/migrate"
	registryroute "github.com/soulsync/soulsync-server/internal/registry/route"
	registrystore "github.com/soulsync/soulsync-server/internal/registry/store"
	"github.com/soulsync/soulsync-server/internal/security"
	"github.com/soulsync/soulsync-server/internal/ws"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config *config.Config
	Store  registrystore.SyncStore
	Router *gin.Engine
	Hub    *notify.Hub
	Port   int

	httpServer      *http.Server
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	return s.httpServer.Shutdown(ctx)
}

// StartServer initializes all subsystems and starts the HTTP server.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting sync service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if cfg.DatastoreMigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	// Initialize cache and inject into context so store loaders can read it.
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if memoryCache, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		ctx = registrycache.WithContext(ctx, memoryCache)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Shared token verifier and auth middleware.
	verifier := security.NewTokenVerifier(store)
	auth := security.AuthMiddleware(verifier)

	// Live channel registry, backed by the store's connection table.
	hub := notify.NewHub(store)

	// Mount API routes
	accounts.MountRoutes(router, store, cfg)
	memories.MountRoutes(router, store, hub, cfg, auth)
	profiles.MountRoutes(router, store, hub, cfg, auth)

	// Channel endpoint
	channelHandler := ws.NewHandler(*cfg, verifier, hub)
	router.GET("/ws", channelHandler.Serve)

	// Mount management route plugins. If a dedicated management port is
	// configured, run them on a bare gin engine served by the management
	// server. Otherwise, mount them on the main router.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		_, closeManagement, err = startManagementServer(cfg.ManagementListener, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	// Start the HTTP server.
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listener.Port))
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	go func() {
		var serveErr error
		if cfg.Listener.TLSCertFile != "" && cfg.Listener.TLSKeyFile != "" {
			serveErr = httpServer.ServeTLS(lis, cfg.Listener.TLSCertFile, cfg.Listener.TLSKeyFile)
		} else {
			serveErr = httpServer.Serve(lis)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Error("HTTP server failed", "err", serveErr)
		}
	}()

	port := lis.Addr().(*net.TCPAddr).Port
	log.Info("Server listening",
		"port", port,
		"tls", cfg.Listener.TLSCertFile != "",
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Router:          router,
		Hub:             hub,
		Port:            port,
		httpServer:      httpServer,
		closeManagement: closeManagement,
	}, nil
}
