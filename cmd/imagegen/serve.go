package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpapi "imagegen/internal/http/httpapi"
	"imagegen/internal/infra"
	"imagegen/internal/middleware"
	"imagegen/internal/storage"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(false)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *infra.Config, logger *infra.Logger) error {
	trust, err := middleware.NewTrust(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	router := httpapi.NewRouter(svc.app(), httpapi.RouterOptions{
		Logger:      logger,
		Countries:   svc.countryLookup(),
		CORSOrigins: cfg.CORSAllowedOrigins,
		Gatherer:    svc.registry,
		Trust:       trust,
	})
	server := infra.NewHTTPServer(cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Msg("api listening")
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown server")
			return err
		}
		logger.Info().Msg("server stopped")
		return nil
	})
	if cfg.ArtifactTTL > 0 {
		g.Go(func() error {
			runJanitor(gctx, svc.store, cfg.ArtifactTTL, logger)
			return nil
		})
	}
	return g.Wait()
}

// runJanitor removes artifacts orphaned by crashed deliveries until ctx ends.
func runJanitor(ctx context.Context, store *storage.FileStore, ttl time.Duration, logger *infra.Logger) {
	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Sweep(ctx, ttl)
			if err != nil {
				logger.Warn().Err(err).Msg("artifact sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("removed", n).Msg("swept stale artifacts")
			}
		}
	}
}
