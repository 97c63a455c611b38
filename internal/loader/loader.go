package loader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/theognis1002/nimbus-relay/internal/queue"
)

const maxLineBytes = 1 << 20

type Appender interface {
	Append(ctx context.Context, items ...queue.QueueItem) ([]queue.QueueItem, error)
}

type TriggerPublisher interface {
	PublishTrigger(ctx context.Context, msg queue.TriggerMessage) (string, error)
}

// LoadAndEnqueue appends every payload in the file to the queue and, if
// anything was added, publishes a sync trigger.
func LoadAndEnqueue(ctx context.Context, path string, store Appender, publisher TriggerPublisher, syncTag string, logger *slog.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening payload file: %w", err)
	}
	defer f.Close()

	return Enqueue(ctx, f, store, publisher, syncTag, logger)
}

// Enqueue reads newline-delimited JSON payloads. Blank lines and lines
// starting with # are skipped; invalid JSON is logged and skipped.
func Enqueue(ctx context.Context, r io.Reader, store Appender, publisher TriggerPublisher, syncTag string, logger *slog.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var items []queue.QueueItem
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !json.Valid([]byte(line)) {
			logger.Warn("skipping invalid payload", "line", lineNo)
			continue
		}
		items = append(items, queue.QueueItem{Payload: json.RawMessage(line)})
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading payloads: %w", err)
	}

	if len(items) == 0 {
		logger.Info("no payloads to enqueue")
		return 0, nil
	}

	updated, err := store.Append(ctx, items...)
	if err != nil {
		return 0, fmt.Errorf("appending to queue: %w", err)
	}
	logger.Info("payloads enqueued", "count", len(items), "queue_length", len(updated))

	if publisher != nil {
		id, err := publisher.PublishTrigger(ctx, queue.TriggerMessage{Tag: syncTag, Source: "relayctl"})
		if err != nil {
			return len(items), fmt.Errorf("publishing sync trigger: %w", err)
		}
		logger.Info("sync trigger published", "tag", syncTag, "entry", id)
	}
	return len(items), nil
}
