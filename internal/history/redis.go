package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sonobridge/sonobridge/pkg/provider/llm"
)

// keyPrefix namespaces history lists in a shared Redis instance.
const keyPrefix = "sonobridge:history:"

// RedisClient is the subset of *redis.Client the store issues commands
// through. *redis.Client satisfies it.
type RedisClient interface {
	TxPipeline() redis.Pipeliner
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a Store backed by a Redis list per session. Use it when multiple
// relay instances sit behind a load balancer and a reconnecting client may
// land on a different instance mid-conversation.
type Redis struct {
	client RedisClient
	limit  int
	ttl    time.Duration
}

// RedisOption is a functional option for the Redis store.
type RedisOption func(*Redis)

// WithTTL expires a session's history after d of inactivity. Zero disables
// expiry; Clear on teardown is then the only cleanup.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = d
	}
}

// NewRedis creates a Redis-backed store retaining up to limit turns per
// session. A non-positive limit falls back to DefaultLimit.
func NewRedis(client RedisClient, limit int, opts ...RedisOption) *Redis {
	if limit <= 0 {
		limit = DefaultLimit
	}
	r := &Redis{client: client, limit: limit}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Append implements Store.
func (r *Redis) Append(ctx context.Context, sessionID string, msg llm.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history: encode turn: %w", err)
	}

	key := keyPrefix + sessionID
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-r.limit), -1)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: append turn: %w", err)
	}
	return nil
}

// Recent implements Store.
func (r *Redis) Recent(ctx context.Context, sessionID string) ([]llm.Message, error) {
	raw, err := r.client.LRange(ctx, keyPrefix+sessionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: read turns: %w", err)
	}

	turns := make([]llm.Message, 0, len(raw))
	for _, item := range raw {
		var msg llm.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("history: decode turn: %w", err)
		}
		turns = append(turns, msg)
	}
	return turns, nil
}

// Clear implements Store.
func (r *Redis) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("history: clear session: %w", err)
	}
	return nil
}

// Ensure Redis implements Store at compile time.
var _ Store = (*Redis)(nil)
