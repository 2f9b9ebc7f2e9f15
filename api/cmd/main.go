package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/baechuer/messenger-server/internal/config"
	"github.com/baechuer/messenger-server/internal/logger"
	"github.com/baechuer/messenger-server/internal/ratelimit"
	"github.com/baechuer/messenger-server/internal/realtime"
	"github.com/baechuer/messenger-server/internal/security"
	"github.com/baechuer/messenger-server/internal/service"
	"github.com/baechuer/messenger-server/internal/store"
	"github.com/baechuer/messenger-server/internal/transport/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// logger.Init reads LOG_LEVEL/LOG_FORMAT from env; push the parsed
	// config values there so .env settings take effect.
	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}
	if cfg.LogFormat != "" {
		_ = os.Setenv("LOG_FORMAT", cfg.LogFormat)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "messenger-server").
		Str("env", cfg.AppEnv).
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Store ----
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("store open failed")
	}
	defer st.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("database ping failed")
		}
	}
	if err := st.Migrate(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	log.Info().Msg("database ready")

	// ---- Redis (optional, distributed auth rate limiting) ----
	var authLimiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		client, err := ratelimit.Connect(rootCtx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis connect failed (continuing with local rate limiting)")
		} else {
			defer client.Close()
			authLimiter = ratelimit.NewLimiter(client)
			log.Info().Msg("redis connected")
		}
	}

	// ---- Security ----
	hasher := security.NewBcryptHasher(0)
	issuer := security.NewTokenIssuer(cfg.SecretKey, time.Duration(cfg.AccessTokenExpireMinutes)*time.Minute)

	// ---- Application services ----
	refreshTTL := time.Duration(cfg.RefreshTokenExpireDays) * 24 * time.Hour
	conversations := service.NewConversationService(st)
	h := rest.NewHandler(
		service.NewAuthService(st, hasher, issuer, refreshTTL),
		service.NewUserService(st),
		conversations,
		service.NewMessageService(st, conversations, cfg.MessageMaxLength),
		service.NewSyncService(st, conversations),
	)

	// ---- Realtime ----
	manager := realtime.NewManager(realtime.ManagerConfig{
		MaxSubscriptionsPerConnection: cfg.WSMaxSubsPerConnection,
		QueueCapacity:                 cfg.WSOutgoingQueueCapacity,
		PingInterval:                  time.Duration(cfg.WSHeartbeatSec) * time.Second,
	})
	if cfg.DispatcherEnabled {
		dispatcher := realtime.NewDispatcher(st, realtime.NewPublisher(manager), cfg.DispatcherPoll, cfg.DispatcherBatchSize)
		go dispatcher.Run(rootCtx)
		log.Info().Msg("outbox dispatcher started")
	}

	ws := rest.NewWSHandler(manager, issuer, st, rest.WSConfig{
		HeartbeatSec:       cfg.WSHeartbeatSec,
		IdleTimeout:        cfg.WSIdleTimeout,
		MaxCommandBytes:    cfg.WSMaxCommandBytes,
		RateLimitWindow:    cfg.WSRateLimitWindow,
		RateLimitMax:       cfg.WSRateLimitMaxCommands,
		MaxIDsPerSubscribe: cfg.WSMaxIDsPerSubscribe,
	})

	// ---- Router ----
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Handler:         h,
		WS:              ws,
		Verifier:        issuer,
		Store:           st,
		CORSOrigins:     cfg.CORSOrigins,
		AuthRateLimiter: authLimiter,
		AuthRateMax:     cfg.AuthRateLimitMax,
		AuthRateWindow:  cfg.AuthRateLimitWindow,
	})

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server crash
	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
