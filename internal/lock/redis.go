package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each lock as JSON under lock:{class}:{key} with a
// secondary lock-uuid:{uuid} index. Expiring locks use the Redis TTL.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBackendWithClient(client), nil
}

func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: "lock:",
	}
}

func (b *RedisBackend) key(className, key string) string {
	return b.prefix + className + ":" + key
}

func (b *RedisBackend) uuidKey(lockUUID string) string {
	return b.prefix + "uuid:" + lockUUID
}

func ttlOf(l Lock) time.Duration {
	if l.ExpiresAt == nil {
		return 0
	}
	ttl := time.Until(*l.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return ttl
}

func (b *RedisBackend) Fetch(ctx context.Context, className, key string) (Lock, error) {
	return b.get(ctx, b.key(className, key))
}

func (b *RedisBackend) get(ctx context.Context, redisKey string) (Lock, error) {
	raw, err := b.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Lock{}, ErrNoSuchLock
	}
	if err != nil {
		return Lock{}, fmt.Errorf("read lock: %w", err)
	}
	var l Lock
	if err := json.Unmarshal(raw, &l); err != nil {
		return Lock{}, fmt.Errorf("unmarshal lock: %w", err)
	}
	return l, nil
}

func (b *RedisBackend) FetchByUUID(ctx context.Context, lockUUID string) (Lock, error) {
	redisKey, err := b.client.Get(ctx, b.uuidKey(lockUUID)).Result()
	if errors.Is(err, redis.Nil) {
		return Lock{}, ErrNoSuchLock
	}
	if err != nil {
		return Lock{}, fmt.Errorf("read lock index: %w", err)
	}
	l, err := b.get(ctx, redisKey)
	if err != nil {
		return Lock{}, err
	}
	if l.UUID != lockUUID {
		return Lock{}, ErrNoSuchLock
	}
	return l, nil
}

func (b *RedisBackend) Create(ctx context.Context, l Lock) (bool, error) {
	payload, err := json.Marshal(l)
	if err != nil {
		return false, fmt.Errorf("marshal lock: %w", err)
	}
	redisKey := b.key(l.ClassName, l.Key)
	ttl := ttlOf(l)

	created, err := b.client.SetNX(ctx, redisKey, payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("save lock: %w", err)
	}
	if !created {
		return false, nil
	}
	if err := b.client.Set(ctx, b.uuidKey(l.UUID), redisKey, ttl).Err(); err != nil {
		return false, fmt.Errorf("save lock index: %w", err)
	}
	return true, nil
}

func (b *RedisBackend) Delete(ctx context.Context, className, key string) error {
	_, err := b.deleteMatching(ctx, b.key(className, key), func(Lock) bool { return true })
	return err
}

func (b *RedisBackend) DeleteIfOwner(ctx context.Context, className, key, owner string) (bool, error) {
	return b.deleteMatching(ctx, b.key(className, key), func(l Lock) bool { return l.Owner == owner })
}

// deleteMatching removes the lock and its index entry when match approves
// the stored value. WATCH makes the read and the delete atomic.
func (b *RedisBackend) deleteMatching(ctx context.Context, redisKey string, match func(Lock) bool) (bool, error) {
	deleted := false
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var l Lock
		if err := json.Unmarshal(raw, &l); err != nil {
			return fmt.Errorf("unmarshal lock: %w", err)
		}
		if !match(l) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisKey, b.uuidKey(l.UUID))
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, redisKey)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	return deleted, nil
}

func (b *RedisBackend) UpdateExpiration(ctx context.Context, l Lock) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	redisKey := b.key(l.ClassName, l.Key)
	ttl := ttlOf(l)

	return b.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNoSuchLock
		}
		if err != nil {
			return err
		}
		var current Lock
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("unmarshal lock: %w", err)
		}
		if current.UUID != l.UUID {
			return ErrNoSuchLock
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, payload, ttl)
			pipe.Set(ctx, b.uuidKey(l.UUID), redisKey, ttl)
			return nil
		})
		return err
	}, redisKey)
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
