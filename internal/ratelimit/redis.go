package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"imagegen/internal/infra"
)

const defaultKeyPrefix = "imagegen:ratelimit:"

// RedisOptions configures a RedisLimiter.
type RedisOptions struct {
	Limit   int
	Window  time.Duration
	Prefix  string
	Logger  *infra.Logger
	OnError func()
}

// RedisLimiter is a fixed-window counter shared by every process pointing at
// the same Redis. It fails open: a Redis error admits the request.
type RedisLimiter struct {
	client  redis.Cmdable
	limit   int64
	window  time.Duration
	prefix  string
	logger  *infra.Logger
	onError func()
}

func NewRedisLimiter(client redis.Cmdable, opts RedisOptions) *RedisLimiter {
	l := &RedisLimiter{
		client:  client,
		limit:   int64(opts.Limit),
		window:  opts.Window,
		prefix:  opts.Prefix,
		logger:  opts.Logger,
		onError: opts.OnError,
	}
	if l.limit <= 0 {
		l.limit = 1
	}
	if l.window <= 0 {
		l.window = time.Minute
	}
	if l.prefix == "" {
		l.prefix = defaultKeyPrefix
	}
	if l.logger == nil {
		l.logger = infra.NopLogger()
	}
	return l
}

func (l *RedisLimiter) Allow(ctx context.Context, callerID string) (Decision, error) {
	key := l.prefix + callerID

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// SET NX EX starts the window; EXPIRE NX would need Redis 7.
		pipe.SetNX(ctx, key, 0, l.window)
		incr = pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return l.failOpen(err)
	}
	count := incr.Val()
	if count <= l.limit {
		return Decision{Allowed: true}, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return l.failOpen(err)
	}
	if ttl <= 0 {
		ttl = l.window
	}
	return Decision{Allowed: false, RetryAfter: ttl}, nil
}

func (l *RedisLimiter) failOpen(err error) (Decision, error) {
	l.logger.Warn().Err(err).Msg("rate limiter unavailable, admitting request")
	if l.onError != nil {
		l.onError()
	}
	return Decision{Allowed: true}, nil
}

var _ Limiter = (*RedisLimiter)(nil)
