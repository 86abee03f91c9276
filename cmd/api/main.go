package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"petchat/internal/adapter/api"
	"petchat/internal/adapter/api/handler"
	apimiddleware "petchat/internal/adapter/api/middleware"
	"petchat/internal/adapter/api/router"
	"petchat/internal/adapter/repository"
	"petchat/internal/infrastructure/ratelimit"
	"petchat/internal/infrastructure/websocket"
	"petchat/internal/usecase"
	"petchat/pkg/config"
	"petchat/pkg/logger"
	"petchat/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.Must(cfg.Environment)
	defer log.Sync()

	if cfg.SessionToken == "" || cfg.SessionUserID == "" {
		log.Fatal("SESSION_TOKEN and SESSION_USER_ID are required")
	}

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.NewRateLimiter()
	limiter.StartCleanupRoutine(ctx)

	wsClient := websocket.NewClient(websocket.Config{
		URL:                  cfg.WebSocketURL,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectDelay:    cfg.MaxReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HandshakeTimeout:     cfg.HandshakeTimeout,
	}, log, websocket.WithRateLimiter(limiter))

	restClient := repository.NewRestClient(repository.RestClientConfig{
		BaseURL:         cfg.APIBaseURL,
		Timeout:         cfg.HTTPTimeout,
		RetryMaxElapsed: cfg.HTTPRetryMaxElapsed,
	}, func() string { return cfg.SessionToken }, log)

	messageRepo := repository.NewRestMessageRepository(restClient)
	petRepo := repository.NewRestPetRepository(restClient)

	store := usecase.NewMessageStore(wsClient, usecase.StaticSession{UserID: cfg.SessionUserID}, messageRepo, log,
		usecase.WithHistoryTimeout(cfg.HTTPTimeout))
	defer store.Close()

	conversationSync := usecase.NewConversationSync(store, messageRepo, cfg.HTTPTimeout, log)
	defer conversationSync.Bind()()

	notifier := usecase.NewNotifier(store, messageRepo, petRepo, log,
		usecase.WithToastTimeout(cfg.ToastTimeout),
		usecase.WithFetchTimeout(cfg.HTTPTimeout))
	defer notifier.Close()
	defer notifier.Start(wsClient)()

	typing := usecase.NewTypingIndicator(store, cfg.TypingTimeout, log)

	primeCtx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	if err := notifier.Prime(primeCtx); err != nil {
		log.Warn("failed to load unread state", zap.Error(err))
	}
	cancel()

	if err := store.Connect(ctx, cfg.SessionToken); err != nil {
		log.Error("initial connection failed", zap.Error(err))
	}

	handler.Setup(store, notifier, typing, conversationSync)

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				zap.String("method", v.Method), zap.String("uri", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.Validator = api.NewValidator()

	router.Setup(e, apimiddleware.NewAuthMiddleware(cfg.ControlToken), apimiddleware.RateLimit(limiter, log))

	go func() {
		log.Info("starting server", zap.String("port", cfg.ServerPort))
		if err := e.Start(":" + cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
}
