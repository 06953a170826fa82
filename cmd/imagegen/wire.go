package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"imagegen/internal/audit"
	"imagegen/internal/http/handlers"
	"imagegen/internal/infra"
	"imagegen/internal/infra/credentials"
	"imagegen/internal/infra/geoip"
	"imagegen/internal/metrics"
	"imagegen/internal/orchestrator"
	"imagegen/internal/providers/image"
	"imagegen/internal/providers/prompt"
	"imagegen/internal/queue"
	"imagegen/internal/ratelimit"
	"imagegen/internal/storage"
)

const tokenCacheTTL = time.Minute

// service is the assembled pipeline shared by serve and generate.
type service struct {
	cfg          *infra.Config
	logger       *infra.Logger
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	queue        *queue.Manager
	store        *storage.FileStore
	orchestrator *orchestrator.Orchestrator
	pool         *pgxpool.Pool
	history      *audit.SQLRecorder
	countries    geoip.CountryResolver
}

func buildService(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (svc *service, err error) {
	svc = &service{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			svc.Close()
			svc = nil
		}
	}()

	svc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc.metrics = metrics.New(svc.registry)

	svc.store, err = storage.NewFileStore(cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}

	var recorder audit.Recorder = audit.NopRecorder{}
	tokens := []credentials.TokenSource{credentials.Static{credentials.ProviderQuality: cfg.QualityBackendToken}}
	if cfg.DatabaseURL != "" {
		svc.pool, err = infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		runner := infra.NewSQLRunner(svc.pool, *logger)
		svc.history = audit.NewSQLRecorder(runner)
		if err = svc.history.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		recorder = svc.history
		tokens = append(tokens, credentials.NewStore(runner))
	}

	svc.countries, err = geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		return nil, err
	}

	client, err := image.NewClient(image.Options{
		Backends:   image.DefaultBackends(cfg.FastBackendURL, cfg.QualityBackendURL),
		Tokens:     credentials.NewChain(tokenCacheTTL, tokens...),
		HTTPClient: image.NewHTTPClient(cfg.GenerationConnectTimeout, cfg.GenerationReadTimeout),
		MaxBytes:   cfg.ArtifactMaxBytes,
		Store:      svc.store,
		Logger:     logger,
		Observer:   svc.metrics,
	})
	if err != nil {
		return nil, err
	}
	generator := image.WithRetry(client, image.RetryOptions{
		MaxRetries:      cfg.GenerationMaxRetries,
		InitialInterval: cfg.GenerationBackoffInitial,
		MaxInterval:     cfg.GenerationBackoffMax,
		Logger:          logger,
	})

	completer, err := prompt.NewCompleter(cfg, &http.Client{Timeout: cfg.EnhanceTimeout + 5*time.Second}, logger)
	if err != nil {
		return nil, err
	}
	enhancer := prompt.NewService(prompt.Options{
		Completer:       completer,
		MaxPromptLength: cfg.MaxPromptLength,
		MaxTokens:       cfg.EnhanceMaxTokens,
		Timeout:         cfg.EnhanceTimeout,
		Logger:          logger,
		OnFallback: func(reason string, _ error) {
			svc.metrics.EnhanceFallback(reason)
		},
	})

	limiter, err := ratelimit.New(cfg, logger, svc.metrics.RateLimiterError)
	if err != nil {
		return nil, err
	}

	svc.queue = queue.NewManager(queue.WithObserver(svc.metrics))
	svc.orchestrator, err = orchestrator.New(orchestrator.Options{
		Queue:           svc.queue,
		Enhancer:        enhancer,
		Generator:       generator,
		Limiter:         limiter,
		Recorder:        recorder,
		Countries:       svc.countries,
		Artifacts:       svc.store,
		Metrics:         svc.metrics,
		Logger:          logger,
		MaxPromptLength: cfg.MaxPromptLength,
		PollInterval:    cfg.QueuePollInterval,
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("enhance_provider", cfg.EnhanceProvider).
		Str("rate_limit_backend", cfg.RateLimitBackend).
		Bool("audit", svc.history != nil).
		Bool("geoip", svc.countries != nil).
		Msg("pipeline ready")
	return svc, nil
}

func (s *service) app() *handlers.App {
	app := &handlers.App{
		Orchestrator: s.orchestrator,
		Queue:        s.queue,
		Artifacts:    s.store,
		CaptionLimit: s.cfg.CaptionLimit,
		Logger:       s.logger,
	}
	if s.history != nil {
		app.History = s.history
	}
	if s.pool != nil {
		app.DB = s.pool
	}
	return app
}

func (s *service) countryLookup() func(ip string) (string, error) {
	if s.countries == nil {
		return nil
	}
	return s.countries.CountryCode
}

func (s *service) Close() {
	if s == nil {
		return
	}
	if c, ok := s.countries.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close geoip database")
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

var errNoDatabase = errors.New("DATABASE_URL is not configured")

// openStore connects only the database-backed pieces used by the token and
// history commands.
func openStore(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (*pgxpool.Pool, *infra.SQLRunner, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, errNoDatabase
	}
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return pool, infra.NewSQLRunner(pool, *logger), nil
}
