package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voxscribe/internal/api"
	"voxscribe/internal/auth"
	"voxscribe/internal/config"
	"voxscribe/internal/logger"
	"voxscribe/internal/pipeline"
	"voxscribe/internal/redis"
	"voxscribe/internal/storage"
	"voxscribe/internal/tempstore"
	"voxscribe/internal/transcription"
	"voxscribe/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("VOXSCRIBE_CONFIG"))
	if err != nil {
		fallback := zerolog.New(os.Stderr).With().Timestamp().Logger()
		fallback.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	for _, missing := range cfg.MissingCredentials() {
		log.Warn().Str("setting", missing).Msg("credential not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := storage.NormalizeDriver(cfg.Database.Driver)
	log.Info().Str("driver", driver).Msg("opening database")
	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, driver); err != nil {
		return err
	}
	repo := storage.NewTranscriptRepository(db, driver)

	files, err := tempstore.New(cfg.Storage.TempDir, cfg.MaxUploadBytes(), logger.Component(log, "tempstore"))
	if err != nil {
		return err
	}
	ttl := cfg.Storage.TempTTL
	if ttl <= 0 {
		ttl = tempstore.DefaultTTL
	}
	if n, err := files.Sweep(ttl); err != nil {
		log.Warn().Err(err).Msg("startup sweep failed")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("removed leftover uploads")
	}
	files.StartJanitor(ctx, cfg.Storage.SweepInterval, ttl)

	verifier, rdb := buildVerifier(cfg, log)
	if rdb != nil {
		defer rdb.Close()
	}

	var client transcription.Client = transcription.NewDeepgramClient(transcription.DeepgramConfig{
		BaseURL: cfg.Transcription.BaseURL,
		APIKey:  cfg.Transcription.APIKey,
		Timeout: cfg.Transcription.Timeout,
	})
	if wc := cfg.Transcription.Workers; wc.MaxWorkers > 0 {
		dispatcher := worker.NewDispatcher(worker.Config{
			MinWorkers:  wc.MinWorkers,
			MaxWorkers:  wc.MaxWorkers,
			QueueSize:   wc.QueueSize,
			IdleTimeout: wc.IdleTimeout,
		}, logger.Component(log, "worker"))
		defer dispatcher.Close()
		client = worker.NewScheduledClient(client, dispatcher)
	}
	p := pipeline.New(files, verifier, client, repo, pipeline.Config{
		Options: transcription.Options{
			Model:       cfg.Transcription.Model,
			SmartFormat: cfg.Transcription.SmartFormat,
		},
		Retry: transcription.RetryPolicy{
			MaxAttempts:     cfg.Transcription.Retry.MaxAttempts,
			InitialInterval: cfg.Transcription.Retry.InitialInterval,
			MaxInterval:     cfg.Transcription.Retry.MaxInterval,
		},
	}, logger.Component(log, "pipeline"))

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(p, repo, verifier, logger.Component(log, "api"), cfg.MaxUploadBytes())
	handler.AddHealthCheck("database", db.PingContext)
	if rdb != nil {
		handler.AddHealthCheck("redis", rdb.Ping)
	}
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins, logger.Component(log, "http"))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildVerifier picks the identity verifier for auth.mode and wraps it with the redis token
// cache when both redis and a cache TTL are configured. The returned client is nil without redis.
func buildVerifier(cfg *config.Config, log zerolog.Logger) (auth.Verifier, *redis.Client) {
	var (
		verifier auth.Verifier
		err      error
	)
	switch cfg.Auth.Mode {
	case "remote":
		verifier, err = auth.NewRemoteVerifier(cfg.Auth.URL, cfg.Auth.APIKey, cfg.Auth.Timeout)
	default:
		verifier, err = auth.NewJWTVerifier(auth.JWTOptions{
			Secret:    cfg.Auth.JWTSecret,
			Algorithm: cfg.Auth.Algorithm,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			Leeway:    30 * time.Second,
		})
	}
	if err != nil {
		log.Warn().Err(err).Str("mode", cfg.Auth.Mode).Msg("identity verifier unavailable, all requests will be rejected")
		return auth.Unavailable(err), nil
	}

	if cfg.Redis.Addr == "" || cfg.Auth.CacheTTL <= 0 {
		return verifier, nil
	}
	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, token cache disabled")
		return verifier, nil
	}
	log.Info().Dur("ttl", cfg.Auth.CacheTTL).Msg("token cache enabled")
	return auth.NewCachedVerifier(verifier, rdb, cfg.Auth.CacheTTL, logger.Component(log, "auth")), rdb
}
