package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/victorivanov/parley/internal/api"
	"github.com/victorivanov/parley/internal/auth"
	"github.com/victorivanov/parley/internal/broadcast"
	"github.com/victorivanov/parley/internal/config"
	"github.com/victorivanov/parley/internal/database"
	"github.com/victorivanov/parley/internal/gateway"
	redisclient "github.com/victorivanov/parley/internal/redis"
	"github.com/victorivanov/parley/internal/scheduler"
	"github.com/victorivanov/parley/internal/service"
	"github.com/victorivanov/parley/internal/snowflake"
	"github.com/victorivanov/parley/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("parley exited", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(h).With("instance", cfg.InstanceID)
	slog.SetDefault(logger)
	return logger
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	if cfg.AutoMigrate {
		version, applied, err := database.Migrate(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema ready", "version", version, "applied", applied)
	}

	pool, err := database.NewPostgresPool(sigCtx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	checks := map[string]api.HealthCheck{"postgres": pool.Ping}

	var (
		broadcaster broadcast.Broadcaster
		limiter     api.RateLimiter
	)
	if cfg.RedisURL != "" {
		rdb, err := redisclient.NewClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		broadcaster = redisclient.NewBroadcaster(rdb, logger)
		limiter = rdb
		checks["redis"] = rdb.Ping
	} else {
		local := broadcast.NewLocal(logger)
		defer local.Close()
		broadcaster = local
		logger.Warn("no REDIS_URL, room fanout and rate limits are local to this instance")
	}

	sf, err := snowflake.NewGenerator(snowflake.NodeFromString(cfg.InstanceID))
	if err != nil {
		return fmt.Errorf("snowflake: %w", err)
	}
	tokens := auth.NewTokenService(cfg.JWTSecret, auth.DefaultAccessExpiry)

	// --- Repositories and services ---

	users := database.NewUserRepository(pool)
	messages := database.NewMessageRepository(pool)
	conversations := database.NewConversationRepository(pool)
	attachments := database.NewAttachmentRepository(pool)

	publisher := gateway.NewPublisher(broadcaster)
	messageSvc := service.NewMessageService(messages, conversations, sf, publisher, service.MessageOptions{
		StoreTimeout: cfg.StoreTimeout,
		TypingWindow: cfg.TypingWindow,
	})
	defer messageSvc.Close()
	authSvc := service.NewAuthService(users, tokens)
	moderationSvc := service.NewModerationService(messages, cfg.StoreTimeout)

	gw := gateway.NewManager(tokens, broadcaster, messageSvc, gateway.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		HandlerTimeout:    cfg.StoreTimeout,
		AllowedOrigins:    cfg.AllowedOrigins,
		Logger:            logger,
	})

	sched, err := scheduler.New(logger)
	if err != nil {
		return err
	}

	var uploads *api.UploadHandler
	if cfg.MinIO.Endpoint != "" {
		store, err := storage.NewMinIOClient(sigCtx, storage.Options{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
			PublicURL: cfg.MinIO.PublicURL,
		})
		if err != nil {
			return fmt.Errorf("minio: %w", err)
		}
		resolver := service.NewAttachmentResolver(attachments, store, sf, service.AttachmentOptions{
			ObjectStoreTimeout: cfg.ObjectStoreTimeout,
			StoreTimeout:       cfg.StoreTimeout,
		})
		uploads = api.NewUploadHandler(resolver)
		checks["object_store"] = store.Ping

		if err := sched.AddAttachmentSweep(resolver, scheduler.SweepOptions{MaxAge: cfg.OrphanAttachmentTTL}); err != nil {
			return err
		}
	} else {
		logger.Warn("no MinIO endpoint, attachment uploads are disabled")
	}

	// --- HTTP ---

	e := api.NewServer(logger)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.SetupRouter(e, &api.Dependencies{
		Auth:         api.NewAuthHandler(authSvc),
		Messages:     api.NewMessageHandler(messageSvc),
		Uploads:      uploads,
		Moderation:   api.NewModerationHandler(moderationSvc),
		Health:       api.NewHealthHandler(checks, 3*time.Second),
		Gateway:      gw.HandleWebSocket,
		TokenService: tokens,
		Identities:   authSvc,
		RateLimiter:  limiter,
	})

	// --- Start ---

	sched.Start()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		logger.Info("parley starting", "addr", cfg.ServerAddr)
		if err := e.Start(cfg.ServerAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		gw.Shutdown()
		if err := sched.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown", "error", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(ctx)
	})
	return g.Wait()
}
