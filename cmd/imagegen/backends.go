package main

import (
	"context"
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"imagegen/internal/domain"
	"imagegen/internal/infra/credentials"
	"imagegen/internal/providers/image"
)

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the configured backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadRuntime(true)
			if err != nil {
				return err
			}
			tokens := credentials.Static{credentials.ProviderQuality: cfg.QualityBackendToken}
			configs := image.DefaultBackends(cfg.FastBackendURL, cfg.QualityBackendURL)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BACKEND\tSTYLE\tHOST\tTOKEN")
			for _, b := range domain.Backends() {
				bc := configs[b]
				tokenState := "-"
				if bc.RequiresToken {
					tokenState = "missing"
					if tok, _ := tokens.Token(context.Background(), b.String()); tok != "" {
						tokenState = "env"
					} else if cfg.DatabaseURL != "" {
						tokenState = "database"
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b, bc.Style, hostOf(bc.URL), tokenState)
			}
			return tw.Flush()
		},
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
