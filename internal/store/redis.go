package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteLua deletes KEYS[1] only if its current value equals
// ARGV[1]. This is the same fencing idiom used for lease release in
// cross-process coordinators: never release (or here, delete) a lock you
// don't own, even if your TTL estimate raced with someone else's.
const compareAndDeleteLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisCoordinator backs the Coordinator interface with a shared redis
// instance, used whenever REDIS_URL is set so state is visible across
// replicas.
type RedisCoordinator struct {
	rdb              *redis.Client
	compareAndDelete *redis.Script
}

// NewRedisCoordinator dials addr (a redis:// URL) and returns a ready
// RedisCoordinator. It does not block on connectivity; Ping reports that.
func NewRedisCoordinator(redisURL string) (*RedisCoordinator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCoordinator{
		rdb:              redis.NewClient(opts),
		compareAndDelete: redis.NewScript(compareAndDeleteLua),
	}, nil
}

func (r *RedisCoordinator) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (r *RedisCoordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCoordinator) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisCoordinator) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCoordinator) CompareAndDelete(ctx context.Context, key, ownerToken string) (bool, error) {
	n, err := r.compareAndDelete.Run(ctx, r.rdb, []string{key}, ownerToken).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisCoordinator) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		pairs = append(pairs, k, v)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, pairs)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisCoordinator) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, key).Result()
}

func (r *RedisCoordinator) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisCoordinator) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return err
	}
	// Invariant: removing the last member removes the group.
	n, err := r.rdb.SCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.rdb.Del(ctx, key).Err()
	}
	return nil
}

func (r *RedisCoordinator) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.rdb.SMembers(ctx, key).Result()
}

func (r *RedisCoordinator) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

func (r *RedisCoordinator) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
