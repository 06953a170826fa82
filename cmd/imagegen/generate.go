package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"imagegen/internal/domain"
	"imagegen/internal/orchestrator"
)

func newGenerateCmd() *cobra.Command {
	var (
		backend string
		caller  string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "generate [flags] <prompt>",
		Short: "Generate one image in-process and save it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(true)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := buildService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			sub := orchestrator.Submission{
				Backend:  backend,
				Prompt:   strings.Join(args, " "),
				CallerID: caller,
			}
			return runGenerate(ctx, cmd.OutOrStdout(), svc, sub, out)
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", string(domain.BackendFast), "backend to use (fast|quality)")
	cmd.Flags().StringVar(&caller, "caller", "cli", "caller id used for rate limiting and audit")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (defaults to the artifact name in the current directory)")
	return cmd
}

func runGenerate(ctx context.Context, w io.Writer, svc *service, sub orchestrator.Submission, out string) error {
	events, err := svc.orchestrator.Submit(ctx, sub)
	if err != nil {
		return errors.New(orchestrator.CallerMessage(err))
	}

	var final orchestrator.Event
	for ev := range events {
		fmt.Fprintf(w, "[%s] %s\n", ev.Kind, ev.Message)
		final = ev
	}
	switch {
	case final.Kind == orchestrator.EventFailed:
		return errors.New(final.Message)
	case final.Kind != orchestrator.EventCompleted || final.Artifact == nil:
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("generation interrupted: %w", err)
		}
		return errors.New("generation ended without a result")
	}

	data, err := svc.store.Read(final.Artifact.Path)
	if err != nil {
		return err
	}
	if rmErr := svc.store.Remove(final.Artifact.Path); rmErr != nil {
		svc.logger.Warn().Err(rmErr).Msg("remove temporary artifact")
	}
	if out == "" {
		out = filepath.Base(final.Artifact.Path)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Fprintf(w, "saved %s (%d bytes)\n", out, len(data))
	if final.Prompt != "" {
		fmt.Fprintf(w, "prompt: %s\n", domain.Caption(final.Prompt, svc.cfg.CaptionLimit))
	}
	return nil
}
