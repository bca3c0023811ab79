package intake

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Cursor remembers the timestamp (milliseconds) of the newest transfer
// already processed so restarts resume where the watcher stopped.
type Cursor interface {
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, ms uint64) error
}

// MemoryCursor keeps the position in process memory.
type MemoryCursor struct {
	mu sync.Mutex
	ms uint64
}

func (c *MemoryCursor) Load(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms, nil
}

func (c *MemoryCursor) Save(_ context.Context, ms uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms = ms
	return nil
}

// DefaultCursorKey is the Redis key used when none is configured.
const DefaultCursorKey = "fabblink:intake:cursor"

// RedisCursor stores the position under a single Redis key.
type RedisCursor struct {
	client *redis.Client
	key    string
}

// NewRedisCursor wraps client. An empty key selects DefaultCursorKey.
func NewRedisCursor(client *redis.Client, key string) *RedisCursor {
	if key == "" {
		key = DefaultCursorKey
	}
	return &RedisCursor{client: client, key: key}
}

func (c *RedisCursor) Load(ctx context.Context) (uint64, error) {
	raw, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (c *RedisCursor) Save(ctx context.Context, ms uint64) error {
	return c.client.Set(ctx, c.key, strconv.FormatUint(ms, 10), 0).Err()
}
