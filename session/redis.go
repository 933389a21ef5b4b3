package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "intervox:session"

// RedisStore keeps the record as the fields of one hash.
type RedisStore struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisStore returns a store on key. A zero ttl keeps the hash until it
// is cleared.
func NewRedisStore(client redis.Cmdable, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

func (r *RedisStore) Get(ctx context.Context) (Record, error) {
	v, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis hgetall %s: %w", r.key, err)
	}
	return fromValues(v)
}

// SetAll replaces the hash inside MULTI/EXEC so readers never see a mix of
// old and new fields.
func (r *RedisStore) SetAll(ctx context.Context, rec Record) error {
	args := []any{KeyInterviewID, rec.InterviewID, KeyInterviewURL, rec.InterviewURL}
	if rec.IsStreaming {
		args = append(args, KeyIsStreaming, "true")
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.HSet(ctx, r.key, args...)
		if r.ttl > 0 {
			pipe.Expire(ctx, r.key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStore) ClearAll(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", r.key, err)
	}
	return nil
}
