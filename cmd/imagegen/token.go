package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"imagegen/internal/audit"
	"imagegen/internal/infra/credentials"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage backend credentials stored in the database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <token>",
		Short: "Store the quality backend bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(true)
			if err != nil {
				return err
			}
			pool, runner, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := audit.NewSQLRecorder(runner).EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			if err := credentials.NewStore(runner).SetQualityToken(cmd.Context(), strings.TrimSpace(args[0])); err != nil {
				return fmt.Errorf("store token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "quality backend token stored")
			return nil
		},
	})
	return cmd
}
