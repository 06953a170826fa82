// Package ratelimit decides whether a caller may submit another generation
// request within the configured window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"imagegen/internal/infra"
)

// Decision is the outcome of a single Allow call. RetryAfter is only set when
// Allowed is false and the limiter can estimate when capacity returns.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is consulted once per submission before admission.
type Limiter interface {
	Allow(ctx context.Context, callerID string) (Decision, error)
}

// Unlimited admits every caller.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// New builds the limiter selected by cfg.RateLimitBackend.
func New(cfg *infra.Config, logger *infra.Logger, onError func()) (Limiter, error) {
	switch cfg.RateLimitBackend {
	case "", "memory":
		return NewMemoryLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisLimiter(client, RedisOptions{
			Limit:   cfg.RateLimitRequests,
			Window:  cfg.RateLimitWindow,
			Logger:  logger,
			OnError: onError,
		}), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown backend %q", cfg.RateLimitBackend)
	}
}
