package prompt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"imagegen/internal/domain"
	"imagegen/internal/infra"
)

const defaultEnhanceTimeout = 20 * time.Second

const defaultMaxTokens = 300

const systemInstruction = "You rewrite short image ideas into one vivid, detailed prompt for a text-to-image model. " +
	"Describe the subject, setting, composition, lighting and style. Keep the original intent and language. " +
	"Reply with the prompt text only: no preamble, no quotes, no markdown."

// Completer sends one instruction and input to a language model and returns
// the raw reply.
type Completer interface {
	Name() string
	Complete(ctx context.Context, system, input string, maxTokens int) (string, error)
}

type Options struct {
	Completer       Completer
	MaxPromptLength int
	MaxTokens       int
	Timeout         time.Duration
	Logger          *infra.Logger
	OnFallback      func(reason string, err error)
}

// Service enhances prompts on a best-effort basis. Enhance never fails; every
// problem falls back to the caller's prompt.
type Service struct {
	completer  Completer
	maxLen     int
	maxTokens  int
	timeout    time.Duration
	logger     *infra.Logger
	onFallback func(reason string, err error)
}

func NewService(opts Options) *Service {
	s := &Service{
		completer:  opts.Completer,
		maxLen:     opts.MaxPromptLength,
		maxTokens:  opts.MaxTokens,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
		onFallback: opts.OnFallback,
	}
	if s.maxLen <= 0 {
		s.maxLen = domain.DefaultMaxPromptLength
	}
	if s.maxTokens <= 0 {
		s.maxTokens = defaultMaxTokens
	}
	if s.timeout <= 0 {
		s.timeout = defaultEnhanceTimeout
	}
	if s.logger == nil {
		s.logger = infra.NopLogger()
	}
	return s
}

// Enabled reports whether a language model is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.completer != nil
}

// Enhance returns a more descriptive version of prompt, or prompt itself when
// no model is configured or the model call does not yield usable text.
func (s *Service) Enhance(ctx context.Context, prompt string) (out string) {
	if !s.Enabled() {
		return prompt
	}
	defer func() {
		if r := recover(); r != nil {
			out = s.fallback(prompt, "panic", fmt.Errorf("completer panic: %v", r))
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	raw, err := s.completer.Complete(callCtx, systemInstruction, prompt, s.maxTokens)
	if err != nil {
		return s.fallback(prompt, failureReason(callCtx, err), err)
	}

	cleaned := cleanEnhancement(raw)
	if cleaned != "" {
		// Normalizes whitespace and strips control characters only.
		cleaned, _ = domain.SanitizePrompt(cleaned, math.MaxInt)
	}
	if cleaned == "" {
		return s.fallback(prompt, "empty_response", errEmptyResponse)
	}
	if n := utf8.RuneCountInString(cleaned); n > s.maxLen {
		cleaned = domain.TruncateAtWord(cleaned, s.maxLen)
		if cleaned == "" {
			return s.fallback(prompt, "too_long", fmt.Errorf("enhanced prompt has %d characters", n))
		}
		s.logger.Debug().Int("length", n).Int("limit", s.maxLen).Msg("enhanced prompt truncated")
	}

	s.logger.Debug().
		Str("provider", s.completer.Name()).
		Dur("elapsed", time.Since(start)).
		Msg("prompt enhanced")
	return cleaned
}

func (s *Service) fallback(prompt, reason string, err error) string {
	s.logger.Warn().
		Err(err).
		Str("provider", s.completer.Name()).
		Str("reason", reason).
		Msg("prompt enhancement failed, using original prompt")
	if s.onFallback != nil {
		s.onFallback(reason, err)
	}
	return prompt
}

var errEmptyResponse = errors.New("empty response")

// completionError tags a completer failure with a short reason used in logs
// and metrics.
type completionError struct {
	reason string
	err    error
}

func (e *completionError) Error() string {
	return e.reason + ": " + e.err.Error()
}

func (e *completionError) Unwrap() error {
	return e.err
}

func failure(reason string, err error) error {
	if err == nil {
		err = errors.New(reason)
	}
	return &completionError{reason: reason, err: err}
}

func failureReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return "canceled"
	}
	var cerr *completionError
	if errors.As(err, &cerr) {
		return cerr.reason
	}
	return "http_request"
}
