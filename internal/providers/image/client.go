package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"imagegen/internal/domain"
	"imagegen/internal/infra"
	"imagegen/internal/infra/credentials"
)

const defaultMaxBytes = 20 << 20

// Options configures the single-attempt Client.
type Options struct {
	Backends   map[domain.Backend]BackendConfig
	Tokens     credentials.TokenSource
	HTTPClient *http.Client
	MaxBytes   int64
	Store      ArtifactWriter
	Logger     *infra.Logger
	Observer   AttemptObserver
}

// Client performs exactly one HTTP exchange per Generate call and classifies
// the outcome. Retries belong to the decorator returned by WithRetry.
type Client struct {
	backends map[domain.Backend]BackendConfig
	tokens   credentials.TokenSource
	http     *http.Client
	maxBytes int64
	store    ArtifactWriter
	logger   *infra.Logger
	observer AttemptObserver
}

func NewClient(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, errors.New("image: artifact store is required")
	}
	backends := make(map[domain.Backend]BackendConfig, len(opts.Backends))
	for b, cfg := range opts.Backends {
		if _, err := url.ParseRequestURI(cfg.URL); err != nil {
			return nil, fmt.Errorf("image: backend %s: invalid url: %w", b, err)
		}
		backends[b] = cfg
	}
	c := &Client{
		backends: backends,
		tokens:   opts.Tokens,
		http:     opts.HTTPClient,
		maxBytes: opts.MaxBytes,
		store:    opts.Store,
		logger:   opts.Logger,
		observer: opts.Observer,
	}
	if c.http == nil {
		c.http = NewHTTPClient(30*time.Second, 300*time.Second)
	}
	if c.maxBytes <= 0 {
		c.maxBytes = defaultMaxBytes
	}
	if c.logger == nil {
		c.logger = infra.NopLogger()
	}
	if c.tokens == nil {
		c.tokens = credentials.Static{}
	}
	return c, nil
}

// Generate sends prompt to backend once and persists the returned image.
func (c *Client) Generate(ctx context.Context, backend domain.Backend, prompt string) (Artifact, error) {
	art, err := c.attempt(ctx, backend, prompt)
	outcome := "success"
	if err != nil {
		outcome = string(domain.KindOf(err))
	}
	if c.observer != nil {
		c.observer.Attempt(backend, outcome)
	}
	return art, err
}

func (c *Client) attempt(ctx context.Context, backend domain.Backend, prompt string) (Artifact, error) {
	cfg, ok := c.backends[backend]
	if !ok {
		return Artifact{}, &domain.Error{Kind: domain.KindValidation, Message: "backend not configured: " + backend.String(), Err: domain.ErrUnknownBackend}
	}
	req, err := c.buildRequest(ctx, backend, cfg, prompt)
	if err != nil {
		return Artifact{}, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Artifact{}, classifyTransportError(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	log := c.logger.With().Str("backend", backend.String()).Int("status", resp.StatusCode).Logger()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		derr := classifyStatus(resp.StatusCode, resp.Header)
		log.Debug().Str("kind", string(derr.Kind)).Str("body", strings.TrimSpace(string(snippet))).Msg("backend rejected request")
		return Artifact{}, derr
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !isImageType(mediaType) {
		return Artifact{}, &domain.Error{
			Kind:       domain.KindInvalidResponse,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected content type %q", resp.Header.Get("Content-Type")),
		}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return Artifact{}, classifyTransportError(ctx, err)
	}
	if int64(len(data)) > c.maxBytes {
		return Artifact{}, &domain.Error{Kind: domain.KindInvalidResponse, StatusCode: resp.StatusCode, Message: fmt.Sprintf("image exceeds %d bytes", c.maxBytes)}
	}
	if len(data) == 0 {
		return Artifact{}, &domain.Error{Kind: domain.KindInvalidResponse, StatusCode: resp.StatusCode, Message: "empty image body"}
	}

	path, err := c.store.WriteArtifact(ctx, backend.String(), mediaType, data)
	if err != nil {
		return Artifact{}, domain.NewError(domain.KindInternal, err, "persist artifact")
	}
	log.Debug().Int("bytes", len(data)).Dur("elapsed", time.Since(start)).Str("path", path).Msg("artifact stored")
	return Artifact{Path: path, ContentType: mediaType, Size: len(data), Backend: backend, Attempts: 1}, nil
}

func (c *Client) buildRequest(ctx context.Context, backend domain.Backend, cfg BackendConfig, prompt string) (*http.Request, error) {
	var (
		req *http.Request
		err error
	)
	switch cfg.Style {
	case StyleJSON:
		body, merr := json.Marshal(map[string]string{"prompt": prompt})
		if merr != nil {
			return nil, domain.NewError(domain.KindInternal, merr, "encode request")
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		u, perr := url.Parse(cfg.URL)
		if perr != nil {
			return nil, domain.NewError(domain.KindInternal, perr, "parse backend url")
		}
		q := u.Query()
		q.Set("prompt", prompt)
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, err, "build request")
	}
	req.Header.Set("Accept", "image/*")

	if cfg.RequiresToken {
		token, terr := c.tokens.Token(ctx, backend.String())
		if terr != nil {
			return nil, &domain.Error{Kind: domain.KindAuthentication, Message: "credential lookup failed", Err: errors.Join(domain.ErrMissingCredential, terr)}
		}
		if token == "" {
			return nil, &domain.Error{Kind: domain.KindAuthentication, Message: "no bearer token configured for " + backend.String(), Err: domain.ErrMissingCredential}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func classifyStatus(code int, header http.Header) *domain.Error {
	derr := &domain.Error{StatusCode: code, Message: http.StatusText(code)}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		derr.Kind = domain.KindAuthentication
	case code == http.StatusMethodNotAllowed:
		derr.Kind = domain.KindUnsupportedMethod
	case code == http.StatusTooManyRequests:
		derr.Kind = domain.KindBackendRateLimited
		derr.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	case code >= 500:
		derr.Kind = domain.KindBackendServer
	case code >= 400:
		derr.Kind = domain.KindInvalidRequest
	default:
		derr.Kind = domain.KindInvalidResponse
	}
	return derr
}

func classifyTransportError(ctx context.Context, err error) *domain.Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &domain.Error{Kind: domain.KindCanceled, Message: "request canceled", Err: ctxErr}
	}
	return &domain.Error{Kind: domain.KindTransientNetwork, Message: "backend unreachable", Err: err}
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

var _ Generator = (*Client)(nil)
