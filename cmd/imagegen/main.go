package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"imagegen/internal/infra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "imagegen",
		Short:         "Queue-backed image generation front end",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env is optional
			_ = godotenv.Load()
		},
	}
	root.AddCommand(
		newServeCmd(),
		newGenerateCmd(),
		newBackendsCmd(),
		newTokenCmd(),
		newHistoryCmd(),
	)
	return root
}

// loadRuntime reads configuration and builds the logger. Interactive
// commands only log warnings unless LOG_LEVEL says otherwise.
func loadRuntime(interactive bool) (*infra.Config, *infra.Logger, error) {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if interactive && level == "" {
		level = "warn"
	}
	logger := infra.NewLogger(cfg.AppEnv, level)
	return cfg, &logger, nil
}
