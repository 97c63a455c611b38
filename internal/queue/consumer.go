package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	blockDuration    = 5 * time.Second
	reclaimInterval  = 30 * time.Second
	reclaimMinIdle   = 60 * time.Second
	reclaimBatchSize = 50
	ackTimeout       = 5 * time.Second
)

// Consumer reads lifecycle triggers from a Redis stream through a consumer group.
type Consumer struct {
	rdb      *redis.Client
	stream   string
	dlq      string
	group    string
	consumer string
	count    int
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewConsumer(rdb *redis.Client, stream, dlq, group, consumerName string, count int, logger *slog.Logger) *Consumer {
	return &Consumer{
		rdb:      rdb,
		stream:   stream,
		dlq:      dlq,
		group:    group,
		consumer: consumerName,
		count:    count,
		logger:   logger.With("stream", stream, "consumer", consumerName),
	}
}

// Run starts reading from the stream and returns a channel of Delivery.
// The channel is closed when ctx is cancelled and both loops exit.
func (c *Consumer) Run(ctx context.Context) <-chan Delivery {
	ch := make(chan Delivery)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(ctx, ch)
	}()
	go func() {
		defer c.wg.Done()
		c.reclaimLoop(ctx, ch)
	}()
	go func() {
		c.wg.Wait()
		close(ch)
	}()

	return ch
}

// Wait blocks until the consumer's internal goroutines have fully exited.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) readLoop(ctx context.Context, ch chan<- Delivery) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    int64(c.count),
			Block:    blockDuration,
		}).Result()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == redis.Nil {
				continue
			}
			c.logger.Error("XREADGROUP error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			if !c.forward(ctx, ch, stream.Messages) {
				return
			}
		}
	}
}

func (c *Consumer) reclaimLoop(ctx context.Context, ch chan<- Delivery) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaimPending(ctx, ch)
		}
	}
}

func (c *Consumer) reclaimPending(ctx context.Context, ch chan<- Delivery) {
	start := "0-0"
	for {
		msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  reclaimMinIdle,
			Start:    start,
			Count:    reclaimBatchSize,
		}).Result()

		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("XAUTOCLAIM error", "error", err)
			}
			return
		}

		if !c.forward(ctx, ch, msgs) {
			return
		}

		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// forward converts and sends messages; it returns false once ctx is done.
func (c *Consumer) forward(ctx context.Context, ch chan<- Delivery, msgs []redis.XMessage) bool {
	for _, msg := range msgs {
		d, ok := c.buildDelivery(msg)
		if !ok {
			continue
		}
		select {
		case ch <- d:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// buildDelivery decodes a stream entry. Entries that cannot be decoded are
// moved to the dead-letter stream and never handed out.
func (c *Consumer) buildDelivery(msg redis.XMessage) (Delivery, bool) {
	payload, _ := msg.Values["payload"].(string)

	var trigger TriggerMessage
	if payload == "" || json.Unmarshal([]byte(payload), &trigger) != nil || trigger.Tag == "" {
		c.logger.Error("undecodable trigger entry", "id", msg.ID, "payload", payload)
		if err := c.deadLetter(msg.ID, payload); err != nil {
			c.logger.Error("failed to dead-letter trigger entry", "id", msg.ID, "error", err)
		}
		return Delivery{}, false
	}

	id := msg.ID
	return Delivery{
		ID:      id,
		Trigger: trigger,
		Ack: func() error {
			ctx, cancel := ctxBG()
			defer cancel()
			return c.rdb.XAck(ctx, c.stream, c.group, id).Err()
		},
		Nack: func(toDLQ bool) error {
			if !toDLQ {
				// Stays in the PEL; the reclaim loop hands it out again.
				return nil
			}
			return c.deadLetter(id, payload)
		},
	}, true
}

func (c *Consumer) deadLetter(id, payload string) error {
	ctx, cancel := ctxBG()
	defer cancel()
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.dlq,
		Values: map[string]interface{}{"payload": payload, "source_id": id},
	}).Err(); err != nil {
		return err
	}
	return c.rdb.XAck(ctx, c.stream, c.group, id).Err()
}

// ctxBG returns a background context with a timeout for ack/nack operations
// that must complete even after the main context is cancelled.
func ctxBG() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ackTimeout)
}
