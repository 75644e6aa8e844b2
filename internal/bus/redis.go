package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
)

// RedisClient implements Client on a Redis connection.
type RedisClient struct {
	rdb    *redis.Client
	logger *logger.Logger
}

// NewRedisClient connects to the Redis instance at url
// (e.g. redis://localhost:6379/0) and verifies the connection.
func NewRedisClient(ctx context.Context, url string, log *logger.Logger) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, wrapBusErr("connect", err)
	}

	return &RedisClient{rdb: rdb, logger: log}, nil
}

func (c *RedisClient) Publish(ctx context.Context, topic string, payload []byte) (int64, error) {
	n, err := c.rdb.Publish(ctx, topic, payload).Result()
	if err != nil {
		return 0, wrapBusErr("publish", err)
	}
	return n, nil
}

func (c *RedisClient) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := c.rdb.Subscribe(ctx, topic)
	// Receive forces the SUBSCRIBE round trip so failures surface here
	// instead of as a silently empty channel.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapBusErr("subscribe", err)
	}

	sub := &redisSubscription{ps: ps, ch: make(chan []byte, 256)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan []byte
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.ch }

func (s *redisSubscription) Close() error { return s.ps.Close() }

func (c *RedisClient) Push(ctx context.Context, queue string, payload []byte) error {
	return wrapBusErr("push", c.rdb.RPush(ctx, queue, payload).Err())
}

func (c *RedisClient) PushFront(ctx context.Context, queue string, payload []byte) error {
	return wrapBusErr("push front", c.rdb.LPush(ctx, queue, payload).Err())
}

func (c *RedisClient) BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BLPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapBusErr("blocking pop", err)
	}
	// BLPop returns [key, value].
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

func (c *RedisClient) Pop(ctx context.Context, queue string) ([]byte, error) {
	res, err := c.rdb.LPop(ctx, queue).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapBusErr("pop", err)
	}
	return res, nil
}

func (c *RedisClient) Trim(ctx context.Context, key string, start, stop int64) error {
	return wrapBusErr("trim", c.rdb.LTrim(ctx, key, start, stop).Err())
}

func (c *RedisClient) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	res, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapBusErr("range", err)
	}
	out := make([][]byte, len(res))
	for i, s := range res {
		out[i] = []byte(s)
	}
	return out, nil
}

func (c *RedisClient) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrapBusErr("hash set", c.rdb.HSet(ctx, key, fields).Err())
}

func (c *RedisClient) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapBusErr("hash get", err)
	}
	return res, nil
}

func (c *RedisClient) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrapBusErr("set", c.rdb.Set(ctx, key, value, ttl).Err())
}

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapBusErr("get", err)
	}
	return res, nil
}

func (c *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapBusErr("delete", c.rdb.Del(ctx, keys...).Err())
}

func (c *RedisClient) DeletePattern(ctx context.Context, pattern string) error {
	keys, err := c.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return wrapBusErr("keys", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return wrapBusErr("delete", c.rdb.Del(ctx, keys...).Err())
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapBusErr("expire", c.rdb.Expire(ctx, key, ttl).Err())
}

func (c *RedisClient) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrapBusErr("set add", c.rdb.SAdd(ctx, key, toInterfaces(members)...).Err())
}

func (c *RedisClient) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrapBusErr("set remove", c.rdb.SRem(ctx, key, toInterfaces(members)...).Err())
}

func (c *RedisClient) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapBusErr("set members", err)
	}
	return res, nil
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return wrapBusErr("ping", c.rdb.Ping(ctx).Err())
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

func toInterfaces(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

// wrapBusErr maps connection-level failures to SERVICE_UNAVAILABLE so
// callers can distinguish a lost bus from domain errors. Context
// cancellation passes through untouched.
func wrapBusErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &apperrors.AppError{
		Code:       apperrors.ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("bus %s failed", op),
		HTTPStatus: 503,
		Err:        err,
	}
}
