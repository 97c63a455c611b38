package queue

import (
	"context"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	TriggerStream = "stream:relay:triggers"
	TriggerDLQ    = "stream:relay:triggers:dlq"

	RelayGroup = "relay-workers"
)

// EnsureStreams creates the trigger consumer group (and its stream) idempotently.
func EnsureStreams(ctx context.Context, rdb *redis.Client, logger *slog.Logger) error {
	err := rdb.XGroupCreateMkStream(ctx, TriggerStream, RelayGroup, "0").Err()
	if err != nil {
		// BUSYGROUP means group already exists — that's fine.
		if !isBusyGroupError(err) {
			return err
		}
		logger.Debug("consumer group already exists", "stream", TriggerStream, "group", RelayGroup)
		return nil
	}
	logger.Info("created consumer group", "stream", TriggerStream, "group", RelayGroup)
	return nil
}

func isBusyGroupError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
