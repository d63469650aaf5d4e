// Command apxproxy runs the intercepting WebSocket proxy in front of one
// Archipelago multiworld room: the message pipeline on one port, and the
// admin HTTP surface (password refresh, DeathLink controls, metrics) on
// another.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/apxproxy/apx/internal/v1/admin"
	"github.com/apxproxy/apx/internal/v1/auth"
	"github.com/apxproxy/apx/internal/v1/cache"
	"github.com/apxproxy/apx/internal/v1/collab"
	"github.com/apxproxy/apx/internal/v1/config"
	"github.com/apxproxy/apx/internal/v1/datapkg"
	"github.com/apxproxy/apx/internal/v1/health"
	"github.com/apxproxy/apx/internal/v1/lobby"
	"github.com/apxproxy/apx/internal/v1/logging"
	"github.com/apxproxy/apx/internal/v1/middleware"
	"github.com/apxproxy/apx/internal/v1/persistence"
	"github.com/apxproxy/apx/internal/v1/pipeline"
	"github.com/apxproxy/apx/internal/v1/ratelimit"
	"github.com/apxproxy/apx/internal/v1/registry"
	"github.com/apxproxy/apx/internal/v1/sharedstate"
	"github.com/apxproxy/apx/internal/v1/tracing"
	"github.com/apxproxy/apx/internal/v1/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = logging.WithRoomID(ctx, cfg.RoomID)

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "apxproxy", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	upstreamURL := "ws://" + cfg.UpstreamAddr

	logging.Info(ctx, "bootstrapping DataPackage cache from upstream")
	dataPackage, err := datapkg.Fetch(ctx, upstreamURL)
	if err != nil {
		logging.Error(ctx, "failed to bootstrap DataPackage cache", zap.Error(err))
		os.Exit(1)
	}

	store, err := persistence.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Error(ctx, "failed to open persistence store", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	var cacheSvc *cache.Service
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		cacheSvc, err = cache.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "failed to connect to Redis", zap.Error(err))
			os.Exit(1)
		}
		defer cacheSvc.Close()
		redisClient = cacheSvc.Client()
	}

	passwords := sharedstate.NewPasswords()
	exclusions := sharedstate.NewExclusionSet()
	probability := sharedstate.NewProbability(1.0)

	if persisted, err := store.RoomExclusions(ctx, cfg.RoomID); err != nil {
		logging.Warn(ctx, "failed to load persisted exclusions", zap.Error(err))
	} else {
		exclusions.ReplaceAll(persisted)
	}

	if p, ok, err := store.Probability(ctx, cfg.RoomID); err != nil {
		logging.Warn(ctx, "failed to load persisted probability", zap.Error(err))
	} else if ok {
		probability.Set(p)
	}

	lobbyClient := lobby.NewClient(cfg.LobbyRootURL, cfg.LobbyAPIKey, cfg.RoomID)
	if table, err := lobbyClient.RefreshPasswords(ctx); err != nil {
		logging.Warn(ctx, "initial lobby password fetch failed, starting with no passwords", zap.Error(err))
	} else {
		passwords.Replace(table)
	}

	clientRegistry := registry.New()
	signalSink := collab.NewChannelSink()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		store.SignalConsumer(ctx, signalSink, cfg.RoomID)
	}()

	if cacheSvc != nil {
		cacheSvc.Subscribe(ctx, cfg.RoomID, &wg, func(update cache.RoomUpdate) {
			switch update.Event {
			case "passwords":
				if table, err := lobbyClient.RefreshPasswords(ctx); err == nil {
					passwords.Replace(table)
				}
			case "exclusions":
				if persisted, err := store.RoomExclusions(ctx, cfg.RoomID); err == nil {
					exclusions.ReplaceAll(persisted)
				}
			case "probability":
				if p, ok, err := store.Probability(ctx, cfg.RoomID); err == nil && ok {
					probability.Set(p)
				}
			}
		})
	}

	shared := &pipeline.Shared{
		Passwords:    passwords,
		Exclusions:   exclusions,
		Probability:  probability,
		DataPackage:  dataPackage,
		Registry:     clientRegistry,
		Signals:      signalSink,
		RoomID:       cfg.RoomID,
		InjectNoText: cfg.InjectNoText,
		UpstreamURL:  upstreamURL,
	}

	listener, err := transport.NewListener(cfg.ListenAddr, cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		logging.Error(ctx, "failed to bind proxy listener", zap.Error(err))
		os.Exit(1)
	}

	proxyServer := transport.NewServer(listener, pipeline.Run(shared))

	wg.Add(1)
	go func() {
		defer wg.Done()
		logging.Info(ctx, "proxy listening", zap.String("addr", cfg.ListenAddr))
		if err := proxyServer.Serve(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "proxy server stopped", zap.Error(err))
		}
	}()

	adminEngine := gin.New()
	adminEngine.Use(gin.Recovery())
	adminEngine.Use(otelgin.Middleware("apxproxy-admin"))
	adminEngine.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "X-Api-Key")
	adminEngine.Use(cors.New(corsConfig))

	guard := auth.NewAPIKeyGuard(cfg.AdminAPIKey)
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to build admin rate limiter", zap.Error(err))
		os.Exit(1)
	}

	adminRouter := admin.New(guard, rateLimiter, store, cacheSvc, passwords, exclusions, probability, lobbyClient, cfg.RoomID)
	adminRouter.Register(adminEngine)

	healthHandler := health.NewHandler(cacheSvc, store, cfg.UpstreamAddr)
	adminEngine.GET("/health/live", healthHandler.Liveness)
	adminEngine.GET("/health/ready", healthHandler.Readiness)

	adminHTTPServer := &http.Server{
		Addr:    cfg.AdminListenAddr,
		Handler: adminEngine,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logging.Info(ctx, "admin HTTP surface listening", zap.String("addr", adminHTTPServer.Addr))
		if err := adminHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "admin server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := adminHTTPServer.Shutdown(shutdownCtx); err != nil {
		logging.Error(context.Background(), "admin server forced shutdown", zap.Error(err))
	}
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		logging.Error(context.Background(), "proxy server forced shutdown", zap.Error(err))
	}

	wg.Wait()
	logging.Info(context.Background(), "shutdown complete")
}
