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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"chatassist/internal/ratelimit"
	"chatassist/internal/usertoken"
	"chatassist/internal/util"
	"chatassist/pkg/ai"
	"chatassist/pkg/identity"
	"chatassist/pkg/storage"
	"chatassist/pkg/store"
	"chatassist/services/chat/internal/app"
	"chatassist/services/chat/internal/config"
	"chatassist/services/chat/internal/server"
	"chatassist/services/chat/internal/session"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, "chat")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{
		Backend:     store.Backend(cfg.StoreBackend),
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		util.Fatal("failed to open store", "backend", cfg.StoreBackend, "err", err)
	}
	defer st.Close()

	// Durations were validated by config.Load.
	timeout, _ := config.ParseDuration("generationTimeout", cfg.GenerationTimeout)
	completer, err := ai.New(ai.Config{
		Provider:      ai.Provider(cfg.GenerationProvider),
		BaseURL:       cfg.GenerationBaseURL,
		APIKey:        cfg.GenerationAPIKey,
		Model:         cfg.GenerationModel,
		SystemPrompt:  cfg.SystemPrompt,
		StreamingMode: ai.StreamingMode(cfg.StreamingMode),
		ChunkDelay:    cfg.ChunkDelayOrDefault(),
		Timeout:       timeout,
	})
	if err != nil {
		util.Fatal("failed to init completion client", "err", err)
	}

	var (
		hub     identity.Hub = identity.NewMemoryHub()
		limiter ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			util.Fatal("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
		}
		if hub, err = identity.NewRedisHub(rdb, cfg.IdentityChannel, logger); err != nil {
			util.Fatal("failed to init identity hub", "err", err)
		}
		if cfg.SendRateLimitPerMinute > 0 {
			if limiter, err = ratelimit.NewFixedWindowLimiter(rdb, "", cfg.SendRateLimitPerMinute, time.Minute); err != nil {
				util.Fatal("failed to init rate limiter", "err", err)
			}
		}
	} else if cfg.SendRateLimitPerMinute > 0 {
		if limiter, err = ratelimit.NewLocalLimiter(cfg.SendRateLimitPerMinute, time.Minute); err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	var objects storage.ObjectStore
	if cfg.ObjectStore.Enabled() {
		objects, err = storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Bucket:    cfg.ObjectStore.Bucket,
			UseSSL:    cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			util.Fatal("failed to init object store", "endpoint", cfg.ObjectStore.Endpoint, "err", err)
		}
	}
	exportExpiry, _ := config.ParseDuration("exportURLExpiry", cfg.ExportURLExpiry)
	sessionIdle, _ := config.ParseDuration("sessionIdleTimeout", cfg.SessionIdleTimeout)

	jwtLeeway, _ := config.ParseJWTLeeway(cfg.JWTLeeway)
	tokenVerifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:     st,
		Completer: completer,
		Catalog:   ai.NewCatalog(cfg.Models),
		Defaults: session.Options{
			Model:       cfg.GenerationModel,
			Temperature: *cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		},
		Objects:            objects,
		ExportURLExpiry:    exportExpiry,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		SessionIdleTimeout: sessionIdle,
		Logger:             logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer appCore.Close()

	go func() {
		if err := appCore.WatchIdentity(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("identity watcher stopped", "err", err)
		}
	}()
	go appCore.RunJanitor(ctx, time.Minute)

	httpServer, err := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
		Hub:           hub,
		SendLimiter:   limiter,
		Logger:        logger,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// Replies and event streams outlive any fixed write deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("chat server listening", "addr", addr, "store", cfg.StoreBackend, "streaming", cfg.StreamingMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("server error", "err", err)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down")

	// Close sessions first so in-flight websocket streams end.
	appCore.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "err", err)
	}
	slog.Info("chat server stopped")
}
