package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 5

// ErrConflict is returned when an update keeps losing the optimistic lock.
var ErrConflict = errors.New("queue: concurrent update conflict")

// Store persists the message queue as a JSON array in a single Redis string.
type Store struct {
	rdb *redis.Client
	key string
}

func NewStore(rdb *redis.Client, key string) *Store {
	return &Store{rdb: rdb, key: key}
}

func (s *Store) Key() string {
	return s.key
}

// Load returns the persisted queue. A missing slot is an empty queue.
func (s *Store) Load(ctx context.Context) ([]QueueItem, error) {
	return load(ctx, s.rdb, s.key)
}

// Save overwrites the persisted queue.
func (s *Store) Save(ctx context.Context, items []QueueItem) error {
	data, err := encode(items)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("saving queue %s: %w", s.key, err)
	}
	return nil
}

// Update applies fn to the current queue and writes the result back, failing
// the write if another writer touched the slot in between. Lost races are
// retried with a fresh read.
func (s *Store) Update(ctx context.Context, fn func([]QueueItem) []QueueItem) ([]QueueItem, error) {
	var result []QueueItem

	txf := func(tx *redis.Tx) error {
		current, err := load(ctx, tx, s.key)
		if err != nil {
			return err
		}
		next := fn(current)
		data, err := encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, s.key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("updating queue %s: %w", s.key, err)
		}
	}
	return nil, ErrConflict
}

// Append adds items at the back of the queue.
func (s *Store) Append(ctx context.Context, items ...QueueItem) ([]QueueItem, error) {
	return s.Update(ctx, func(current []QueueItem) []QueueItem {
		return append(current, items...)
	})
}

// Remove deletes the first item equal to item. Removing an absent item
// leaves the queue unchanged.
func (s *Store) Remove(ctx context.Context, item QueueItem) ([]QueueItem, error) {
	return s.Update(ctx, func(current []QueueItem) []QueueItem {
		return RemoveFirst(current, item)
	})
}

// RemoveFirst returns items without the first element equal to item.
func RemoveFirst(items []QueueItem, item QueueItem) []QueueItem {
	idx := slices.IndexFunc(items, item.Equal)
	if idx < 0 {
		return items
	}
	return slices.Delete(items, idx, idx+1)
}

// Merge returns front followed by the items of rest that front does not
// already hold. Duplicates are counted: each item of front absorbs at most
// one equal item of rest.
func Merge(front, rest []QueueItem) []QueueItem {
	out := make([]QueueItem, 0, len(front)+len(rest))
	out = append(out, front...)
	unmatched := slices.Clone(front)
	for _, it := range rest {
		if idx := slices.IndexFunc(unmatched, it.Equal); idx >= 0 {
			unmatched = slices.Delete(unmatched, idx, idx+1)
			continue
		}
		out = append(out, it)
	}
	return out
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, g getter, key string) ([]QueueItem, error) {
	raw, err := g.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return []QueueItem{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading queue %s: %w", key, err)
	}
	return Decode(raw)
}

// Decode parses a persisted queue. Null or empty input is an empty queue.
func Decode(raw []byte) ([]QueueItem, error) {
	items := []QueueItem{}
	if len(raw) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decoding queue: %w", err)
	}
	if items == nil {
		items = []QueueItem{}
	}
	return items, nil
}

func encode(items []QueueItem) ([]byte, error) {
	if items == nil {
		items = []QueueItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encoding queue: %w", err)
	}
	return data, nil
}
