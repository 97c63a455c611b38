package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/theognis1002/nimbus-relay/internal/database/models"
	"github.com/theognis1002/nimbus-relay/internal/parser"
	"github.com/theognis1002/nimbus-relay/internal/queue"
)

// Store is the durable queue slot.
type Store interface {
	Load(ctx context.Context) ([]queue.QueueItem, error)
	Update(ctx context.Context, fn func([]queue.QueueItem) []queue.QueueItem) ([]queue.QueueItem, error)
	Remove(ctx context.Context, item queue.QueueItem) ([]queue.QueueItem, error)
}

// Bridge reaches the connected host pages.
type Bridge interface {
	FetchQueue(ctx context.Context) ([]queue.QueueItem, bool)
	BroadcastQueue(items []queue.QueueItem)
	Notify(text string)
}

type Limiter interface {
	WaitForAllow(ctx context.Context, host string, windowMs int) error
}

type Recorder interface {
	Record(ctx context.Context, a models.Attempt) error
}

type Archiver interface {
	Store(ctx context.Context, payload []byte, deliveredAt time.Time) (string, error)
}

// Options are the optional collaborators and tunables of an Engine. Nil
// collaborators are skipped.
type Options struct {
	Pause             time.Duration
	Limiter           Limiter
	LimitKey          string
	RateLimitWindowMs int
	Recorder          Recorder
	Archiver          Archiver
}

// Report summarizes one drain pass.
type Report struct {
	PassID    string
	Source    string
	Queued    int
	Delivered int
	Failed    int
	Remaining int
}

const (
	SourceClient = "client"
	SourceStore  = "store"
)

// Engine runs drain passes. It is not safe for concurrent Drain calls;
// Service serializes them.
type Engine struct {
	store  Store
	bridge Bridge
	chain  Chain
	opts   Options
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

func NewEngine(store Store, bridge Bridge, chain Chain, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		bridge: bridge,
		chain:  chain,
		opts:   opts,
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Drain delivers the queue front to back. Delivered items are removed and
// persisted one at a time; failed items stay queued and the pass moves on.
// Cancelling ctx stops the pass between items.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	report := Report{PassID: uuid.NewString()}
	logger := e.logger.With("pass", report.PassID)

	items, source := e.snapshot(ctx, logger)
	report.Source = source
	report.Queued = len(items)

	if len(items) == 0 {
		logger.Info("no pending messages to send", "source", source)
		return report, nil
	}
	logger.Info("processing pending messages", "count", len(items), "source", source)

	for i := 0; i < len(items); i++ {
		if err := ctx.Err(); err != nil {
			report.Remaining = len(items)
			logger.Info("drain interrupted", "delivered", report.Delivered, "remaining", report.Remaining)
			return report, err
		}

		item := items[i]
		itemLogger := logger.With("item", i+1)

		if e.opts.Limiter != nil && e.opts.RateLimitWindowMs > 0 {
			if err := e.opts.Limiter.WaitForAllow(ctx, e.opts.LimitKey, e.opts.RateLimitWindowMs); err != nil {
				if ctx.Err() != nil {
					continue
				}
				itemLogger.Warn("rate limiter unavailable, sending anyway", "error", err)
			}
		}

		start := e.now()
		via, err := e.chain.Send(ctx, item.Payload)
		attempt := models.Attempt{
			PassID:      report.PassID,
			PayloadHash: parser.PayloadHash(item.Payload),
			Transport:   via,
			Success:     err == nil,
			StatusCode:  StatusCode(err),
			DurationMs:  e.now().Sub(start).Milliseconds(),
			AttemptedAt: start,
		}

		if err != nil {
			report.Failed++
			attempt.Error = err.Error()
			itemLogger.Warn("failed to send message, leaving it queued", "error", err)
			e.record(ctx, itemLogger, attempt)
			continue
		}

		report.Delivered++
		itemLogger.Info("message sent", "transport", via)
		e.bridge.Notify(fmt.Sprintf("Pending message sent in the background (%d/%d)", i+1, len(items)))

		items = slices.Delete(items, i, i+1)
		i--

		if _, err := e.store.Remove(ctx, item); err != nil {
			itemLogger.Error("failed to persist queue after delivery", "error", err)
		}
		e.bridge.BroadcastQueue(slices.Clone(items))

		attempt.ArchiveKey = e.archive(ctx, itemLogger, item, start)
		e.record(ctx, itemLogger, attempt)

		e.sleep(ctx, e.opts.Pause)
	}

	report.Remaining = len(items)
	logger.Info("queue processing completed", "delivered", report.Delivered, "failed", report.Failed, "remaining", report.Remaining)
	return report, nil
}

// snapshot takes the queue from the oldest connected page and merges the
// items only the store holds behind it, or reads the store when no page is
// connected. A store read failure is an empty queue.
func (e *Engine) snapshot(ctx context.Context, logger *slog.Logger) ([]queue.QueueItem, string) {
	if items, connected := e.bridge.FetchQueue(ctx); connected {
		client := slices.Clone(items)
		merged, err := e.store.Update(ctx, func(stored []queue.QueueItem) []queue.QueueItem {
			return queue.Merge(client, stored)
		})
		if err != nil {
			logger.Warn("failed to merge client queue into store", "error", err)
			return client, SourceClient
		}
		if len(merged) > len(client) {
			logger.Info("store held messages the client did not report", "extra", len(merged)-len(client))
			e.bridge.BroadcastQueue(slices.Clone(merged))
		}
		return merged, SourceClient
	}

	items, err := e.store.Load(ctx)
	if err != nil {
		logger.Error("failed to read queue from store, treating as empty", "error", err)
		return nil, SourceStore
	}
	return items, SourceStore
}

func (e *Engine) record(ctx context.Context, logger *slog.Logger, a models.Attempt) {
	if e.opts.Recorder == nil {
		return
	}
	if err := e.opts.Recorder.Record(context.WithoutCancel(ctx), a); err != nil {
		logger.Warn("failed to record delivery attempt", "error", err)
	}
}

func (e *Engine) archive(ctx context.Context, logger *slog.Logger, item queue.QueueItem, at time.Time) string {
	if e.opts.Archiver == nil {
		return ""
	}
	key, err := e.opts.Archiver.Store(context.WithoutCancel(ctx), item.Payload, at)
	if err != nil {
		logger.Warn("failed to archive delivered payload", "error", err)
		return ""
	}
	return key
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// IsInterrupted reports whether err only means the pass was cut short.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
