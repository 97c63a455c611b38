package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theognis1002/nimbus-relay/internal/api"
	"github.com/theognis1002/nimbus-relay/internal/bridge"
	"github.com/theognis1002/nimbus-relay/internal/cache"
	"github.com/theognis1002/nimbus-relay/internal/config"
	"github.com/theognis1002/nimbus-relay/internal/database"
	"github.com/theognis1002/nimbus-relay/internal/database/models"
	"github.com/theognis1002/nimbus-relay/internal/parser"
	"github.com/theognis1002/nimbus-relay/internal/queue"
	"github.com/theognis1002/nimbus-relay/internal/relay"
	"github.com/theognis1002/nimbus-relay/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	configPath := flag.String("config", "configs/development.yaml", "path to the YAML config file")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		logger.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Info("config file not found, using env vars", "error", err)
		cfg = config.LoadFromEnv()
	}

	if cfg.Relay.WebhookURL == "" {
		return errors.New("relay.webhook_url (WEBHOOK_URL) is required")
	}
	webhook, err := parser.NormalizeEndpoint(cfg.Relay.WebhookURL)
	if err != nil {
		return fmt.Errorf("webhook url: %w", err)
	}
	webhookURL, _ := url.Parse(webhook)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer rdb.Close()

	if err := queue.EnsureStreams(ctx, rdb, logger); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	store := queue.NewStore(rdb, cfg.Relay.QueueKey)

	dnsCache := cache.NewDNSCache(rdb, cfg.Relay.AllowPrivateHosts)
	httpClient := relay.NewHTTPClient(dnsCache, cfg.Relay.TimeoutSecs, cfg.Relay.MaxRedirects)
	direct := relay.NewDirectTransport(httpClient, webhook)
	chain := relay.Chain{direct}

	proxies, err := relay.NewProxyPool(cfg.Relay.Proxy.URLs, cfg.Relay.Proxy.File, rdb, cfg.Relay.Proxy.HealthCooldownS, logger)
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	if proxies != nil {
		chain = append(chain, relay.NewProxyTransport(httpClient, proxies, webhook, logger))
		go func() {
			if err := proxies.Watch(ctx); err != nil {
				logger.Warn("proxy file watch stopped", "error", err)
			}
		}()
		logger.Info("proxy fallback enabled", "proxies", proxies.Len())
	}

	hub := bridge.NewHub(time.Duration(cfg.Relay.FetchQueueTimeoutMs)*time.Millisecond, cfg.Server.AllowedOrigins, logger)
	defer hub.Close()

	opts := relay.Options{
		Pause:             time.Duration(cfg.Relay.PauseMs) * time.Millisecond,
		LimitKey:          webhookURL.Host,
		RateLimitWindowMs: cfg.Relay.RateLimitWindowMs,
	}
	if cfg.Relay.RateLimitWindowMs > 0 {
		opts.Limiter = cache.NewRateLimiter(rdb)
	}

	checks := map[string]api.Check{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	handler := &api.Handler{
		Store:     store,
		Bridge:    hub,
		WebSocket: http.HandlerFunc(hub.ServeWS),
		Checks:    checks,
		Logger:    logger,
	}

	pool, err := database.NewPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Warn("postgres unavailable, delivery attempts will not be recorded", "error", err)
	} else {
		defer pool.Close()
		attempts := models.NewAttemptLog(pool)
		opts.Recorder = attempts
		handler.Attempts = attempts
		checks["postgres"] = database.Check(pool)
	}

	if *cfg.Relay.ArchiveDelivered {
		archive, err := storage.NewArchive(ctx, cfg.MinIO)
		if err != nil {
			logger.Warn("minio unavailable, delivered payloads will not be archived", "error", err)
		} else {
			opts.Archiver = archive
			handler.Archive = archive
		}
	}

	engine := relay.NewEngine(store, hub, chain, opts, logger)
	svc := relay.NewService(relay.ServiceConfig{
		SyncTag:          cfg.Relay.SyncTag,
		PeriodicSyncTag:  cfg.Relay.PeriodicSyncTag,
		PeriodicInterval: time.Duration(cfg.Relay.PeriodicSyncIntervalS) * time.Second,
		MaxSyncRetries:   cfg.Relay.MaxSyncRetries,
		RetryBase:        time.Second,
	}, engine, direct, logger)
	hub.SetHandler(svc)
	handler.Sync = svc

	consumerName := fmt.Sprintf("relay-%d", os.Getpid())
	consumer := queue.NewConsumer(rdb, queue.TriggerStream, queue.TriggerDLQ, queue.RelayGroup, consumerName, cfg.Relay.PrefetchCount, logger)
	go svc.ConsumeTriggers(consumer.Run(ctx))

	serviceDone := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(serviceDone)
	}()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Server.Addr, "webhook_host", webhookURL.Host, "transports", len(chain))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel()
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	consumer.Wait()
	<-serviceDone
	return nil
}
