package substrate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
)

// RedisStore is the production Store backed by a single logical Redis
// instance, the same client construction the teacher uses in
// bridge/redis_publisher.go: parse the URL, build a client, ping once at
// startup so a bad SUBSTRATE_URL fails fast (exit code 2, spec.md §6)
// rather than surfacing as a mysterious first-request error.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects to the substrate and verifies reachability.
func NewRedisStore(ctx context.Context, url string, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("substrate: invalid url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("substrate: unreachable: %w", err)
	}
	logger.Info("substrate connected", zap.String("addr", opts.Addr))
	return &RedisStore{client: client, logger: logger}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := withRetry(ctx, s.logger, func() ([]byte, error) {
		return s.client.Get(ctx, key).Bytes()
	})
	if err == redis.Nil {
		return nil, coreerr.NotFoundf("key %q", key)
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Unavailable, "substrate get", err)
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return coreerr.Wrap(coreerr.Unavailable, "substrate set", err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return coreerr.Wrap(coreerr.Unavailable, "substrate del", err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, coreerr.Wrap(coreerr.Unavailable, "substrate setnx", err)
	}
	return ok, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	args := make(map[string]any, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	pipe.HSet(ctx, key, args)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return coreerr.Wrap(coreerr.Unavailable, "substrate hset", err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", coreerr.NotFoundf("field %q of %q", field, key)
	}
	if err != nil {
		return "", coreerr.Wrap(coreerr.Unavailable, "substrate hget", err)
	}
	return v, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := withRetry(ctx, s.logger, func() (map[string]string, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Unavailable, "substrate hgetall", err)
	}
	return m, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return coreerr.Wrap(coreerr.Unavailable, "substrate hdel", err)
	}
	return nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return coreerr.Wrap(coreerr.Unavailable, "substrate sadd", err)
	}
	return nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return coreerr.Wrap(coreerr.Unavailable, "substrate srem", err)
	}
	return nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := withRetry(ctx, s.logger, func() ([]string, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Unavailable, "substrate smembers", err)
	}
	return members, nil
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, coreerr.Wrap(coreerr.Unavailable, "substrate scard", err)
	}
	return n, nil
}

// Incr implements the rate-limit token bucket: INCR then, only on the
// first increment in a window (result == 1), EXPIRE. This mirrors the
// teacher's in-process RateLimiter.allow() but made cluster-wide.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, coreerr.Wrap(coreerr.Unavailable, "substrate incr", err)
	}
	n := incr.Val()
	if n == 1 && ttl > 0 {
		s.client.Expire(ctx, key, ttl)
	}
	return n, nil
}

func (s *RedisStore) StreamAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return coreerr.Wrap(coreerr.Unavailable, "substrate xadd", err)
	}
	return nil
}

func (s *RedisStore) StreamRange(ctx context.Context, stream string, afterID string, count int64) ([]StreamEntry, error) {
	if afterID == "" {
		afterID = "-"
	} else {
		afterID = "(" + afterID
	}
	results, err := s.client.XRangeN(ctx, stream, afterID, "+", count).Result()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Unavailable, "substrate xrange", err)
	}
	entries := make([]StreamEntry, 0, len(results))
	for _, r := range results {
		values := make(map[string]string, len(r.Values))
		for k, v := range r.Values {
			if sv, ok := v.(string); ok {
				values[k] = sv
			}
		}
		entries = append(entries, StreamEntry{ID: r.ID, Values: values})
	}
	return entries, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return coreerr.Wrap(coreerr.Unavailable, "substrate publish", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, coreerr.Wrap(coreerr.Unavailable, "substrate subscribe", err)
	}
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()
	return &redisSubscription{ps: ps, ch: out}, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan Message
}

func (r *redisSubscription) Channel() <-chan Message { return r.ch }
func (r *redisSubscription) Close() error            { return r.ps.Close() }

// Transact applies the batch as one MULTI/EXEC transaction (TxPipeline)
// in a single round trip, so other clients never observe a partial
// batch. No WATCH is used: none of our TxOp kinds read-then-write.
func (s *RedisStore) Transact(ctx context.Context, ops ...TxOp) error {
	pipe := s.client.TxPipeline()
	for _, op := range ops {
		switch op.Kind {
		case TxSAdd:
			args := make([]any, len(op.Members))
			for i, m := range op.Members {
				args[i] = m
			}
			pipe.SAdd(ctx, op.Key, args...)
		case TxSRem:
			args := make([]any, len(op.Members))
			for i, m := range op.Members {
				args[i] = m
			}
			pipe.SRem(ctx, op.Key, args...)
		case TxHSet:
			args := make(map[string]any, len(op.Fields))
			for k, v := range op.Fields {
				args[k] = v
			}
			pipe.HSet(ctx, op.Key, args)
			if op.TTL > 0 {
				pipe.Expire(ctx, op.Key, op.TTL)
			}
		case TxDel:
			pipe.Del(ctx, op.Key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return coreerr.Wrap(coreerr.Unavailable, "substrate transact", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
