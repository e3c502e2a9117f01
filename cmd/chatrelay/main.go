package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	httptransport "github.com/spec-kit/support-chat/internal/api/http"
	"github.com/spec-kit/support-chat/internal/api/http/handlers"
	"github.com/spec-kit/support-chat/internal/auth"
	"github.com/spec-kit/support-chat/internal/config"
	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/observability"
	"github.com/spec-kit/support-chat/internal/persistence"
	"github.com/spec-kit/support-chat/internal/realtime"
	"github.com/spec-kit/support-chat/internal/repository"
	"github.com/spec-kit/support-chat/internal/service"
	"github.com/spec-kit/support-chat/internal/worker"
)

type repositories struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	participants  repository.ParticipantRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if pg.Enabled() && cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	repos := buildRepositories(pg)
	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher(logger)
	hub := realtime.NewHub(realtime.NewPresence(redis.Client, logger), metrics, logger)

	chatService := service.NewChatService(service.ChatDependencies{
		ConversationRepo: repos.conversations,
		MessageRepo:      repos.messages,
		ParticipantRepo:  repos.participants,
		Presence:         hub.Presence(),
		Dispatcher:       dispatcher,
		Logger:           logger,
	})
	broadcasts := service.NewBroadcastService(dispatcher, repos.conversations, hub, logger)
	stopBroadcasts := worker.StartBroadcastWorker(broadcasts)
	defer stopBroadcasts()

	if redis.Enabled() {
		go worker.RunPresenceRefresher(ctx, hub.Presence(), worker.DefaultPresenceInterval, logger)
	}

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL())
	authMiddleware := auth.NewAuthMiddleware(tokens, repos.participants)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Name:    cfg.App.Name,
		Logger:  logger,
		Metrics: metrics,
		Timeout: cfg.App.RequestTimeout(),
		Routes: httptransport.RouteConfig{
			Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis, metrics, hub.Count),
			Chat:           handlers.NewChatHandler(chatService),
			AuthMiddleware: authMiddleware,
		},
		Socket: realtime.NewHandler(hub, chatService, authMiddleware, logger),
	})

	httpServer := &http.Server{
		Addr:              cfg.App.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("relay listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	hub.Close()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = server.Shutdown()
}

func buildRepositories(pg *persistence.Postgres) repositories {
	if !pg.Enabled() {
		store := repository.NewMemory()
		return repositories{
			conversations: store.Conversations(),
			messages:      store.Messages(),
			participants:  store.Participants(),
		}
	}
	pool := pg.PoolHandle()
	return repositories{
		conversations: repository.NewConversationRepository(pool),
		messages:      repository.NewMessageRepository(pool),
		participants:  repository.NewParticipantRepository(pool),
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
