package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/theognis1002/nimbus-relay/internal/cache"
	"github.com/theognis1002/nimbus-relay/internal/config"
	"github.com/theognis1002/nimbus-relay/internal/loader"
	"github.com/theognis1002/nimbus-relay/internal/queue"
)

const usage = `usage:
  relayctl [-config path] enqueue <file>   append NDJSON payloads and request a sync
  relayctl [-config path] sync [tag]       request a drain pass`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	configPath := flag.String("config", "configs/development.yaml", "path to the YAML config file")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	if err := config.LoadDotEnv(); err != nil {
		logger.Warn("failed to load .env", "error", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Debug("config file not found, using env vars", "error", err)
		cfg = config.LoadFromEnv()
	}

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
	publisher := queue.NewPublisher(rdb)

	switch args[0] {
	case "enqueue":
		if len(args) < 2 {
			flag.Usage()
			return errors.New("enqueue needs a payload file")
		}
		store := queue.NewStore(rdb, cfg.Relay.QueueKey)
		if _, err := loader.LoadAndEnqueue(ctx, args[1], store, publisher, cfg.Relay.SyncTag, logger); err != nil {
			return fmt.Errorf("enqueue failed: %w", err)
		}
	case "sync":
		tag := cfg.Relay.SyncTag
		if len(args) > 1 {
			tag = args[1]
		}
		id, err := publisher.PublishTrigger(ctx, queue.TriggerMessage{Tag: tag, Source: "relayctl"})
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		logger.Info("sync trigger published", "tag", tag, "entry", id)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}
