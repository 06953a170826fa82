package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"imagegen/internal/audit"
)

func newHistoryCmd() *cobra.Command {
	var (
		caller string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent finished requests from the audit trail",
		Args:  cobra.NoArgs,
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

			records, err := audit.NewSQLRecorder(runner).Recent(cmd.Context(), caller, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINISHED\tBACKEND\tCALLER\tSTATUS\tERROR\tWAIT\tTOTAL\tPROMPT")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.FinishedAt.Local().Format(time.DateTime),
					r.Backend, r.CallerID, r.Status, orDash(string(r.ErrorKind)),
					r.QueueWait.Round(time.Millisecond), r.Duration.Round(time.Millisecond),
					shorten(r.OriginalPrompt, 48))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "only show this caller (empty for everyone)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of rows")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
