package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// maxStreamLen caps the trigger stream; old triggers carry no information
// once a later pass has run.
const maxStreamLen = 10000

type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// PublishTrigger appends a trigger to the stream and returns its entry ID.
func (p *Publisher) PublishTrigger(ctx context.Context, msg TriggerMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshaling trigger message: %w", err)
	}
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: TriggerStream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{"payload": string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publishing trigger %q: %w", msg.Tag, err)
	}
	return id, nil
}

// StreamLen returns the number of entries in the given stream.
func (p *Publisher) StreamLen(ctx context.Context, stream string) (int64, error) {
	return p.rdb.XLen(ctx, stream).Result()
}
