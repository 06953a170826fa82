package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"imagegen/internal/infra"
	"imagegen/internal/sqlinline"
)

const (
	ProviderQuality = "quality"
)

// Store reads and writes backend credentials kept in integration_tokens.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

func (s *Store) QualityToken(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderQuality)
}

// Token returns the stored token for provider, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (s *Store) SetQualityToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("quality backend token is required")
	}
	return s.upsert(ctx, ProviderQuality, token, map[string]any{"source": "cli"})
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}

// TokenSource resolves a bearer token at request time.
type TokenSource interface {
	Token(ctx context.Context, provider string) (string, error)
}

// Static serves tokens from configuration.
type Static map[string]string

func (s Static) Token(_ context.Context, provider string) (string, error) {
	return strings.TrimSpace(s[provider]), nil
}

// Chain consults each source in order and returns the first non-empty token.
// Lookups from slower sources are cached for ttl.
type Chain struct {
	sources []TokenSource
	ttl     time.Duration
	now     func() time.Time
	cache   cachedTokens
}

// NewChain builds a Chain. Nil sources are skipped.
func NewChain(ttl time.Duration, sources ...TokenSource) *Chain {
	c := &Chain{ttl: ttl, now: time.Now, cache: newCachedTokens()}
	for _, src := range sources {
		if src != nil {
			c.sources = append(c.sources, src)
		}
	}
	return c
}

func (c *Chain) Token(ctx context.Context, provider string) (string, error) {
	if tok, ok := c.cache.get(provider, c.now()); ok {
		return tok, nil
	}
	var firstErr error
	for _, src := range c.sources {
		tok, err := src.Token(ctx, provider)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if tok != "" {
			if c.ttl > 0 {
				c.cache.put(provider, tok, c.now().Add(c.ttl))
			}
			return tok, nil
		}
	}
	return "", firstErr
}

var (
	_ TokenSource = (*Store)(nil)
	_ TokenSource = Static(nil)
	_ TokenSource = (*Chain)(nil)
)
