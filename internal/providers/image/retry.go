package image

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"imagegen/internal/domain"
	"imagegen/internal/infra"
)

// RetryOptions configures WithRetry. Zero values take the defaults: three
// retries, starting at one second and doubling up to ten seconds.
type RetryOptions struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *infra.Logger
}

// RetryingGenerator retries transient failures of the wrapped Generator with
// exponential backoff. Non-retryable failures return on first occurrence.
type RetryingGenerator struct {
	next       Generator
	maxRetries int
	initial    time.Duration
	max        time.Duration
	logger     *infra.Logger
}

func WithRetry(next Generator, opts RetryOptions) *RetryingGenerator {
	r := &RetryingGenerator{
		next:       next,
		maxRetries: opts.MaxRetries,
		initial:    opts.InitialInterval,
		max:        opts.MaxInterval,
		logger:     opts.Logger,
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}
	if r.initial <= 0 {
		r.initial = time.Second
	}
	if r.max < r.initial {
		r.max = 10 * r.initial
	}
	if r.logger == nil {
		r.logger = infra.NopLogger()
	}
	return r
}

func (r *RetryingGenerator) Generate(ctx context.Context, backend domain.Backend, prompt string) (Artifact, error) {
	var (
		result   Artifact
		attempts int
	)
	op := func() error {
		attempts++
		art, err := r.next.Generate(ctx, backend, prompt)
		if err == nil {
			result = art
			return nil
		}
		if !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn().
			Err(err).
			Str("backend", backend.String()).
			Int("attempt", attempts).
			Dur("wait", wait).
			Msg("generation attempt failed, retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(r.policy(), ctx), notify)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && domain.KindOf(err) != domain.KindCanceled {
			err = &domain.Error{Kind: domain.KindCanceled, Message: "request canceled", Err: errors.Join(ctxErr, err)}
		}
		return Artifact{}, err
	}
	result.Attempts = attempts
	return result, nil
}

func (r *RetryingGenerator) policy() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.initial
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = r.max
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(r.maxRetries))
}

var _ Generator = (*RetryingGenerator)(nil)
