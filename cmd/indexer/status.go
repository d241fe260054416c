package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/scheduler"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <url-id>",
		Short: "Show a URL's current state and transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			history, err := appInstance.Status().URLStatus(cmd.Context(), args[0])
			if errors.Is(err, indexing.ErrNotFound) {
				return fmt.Errorf("url %s not found", args[0])
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd, history)
		},
	}
}

func newCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Count URLs per lifecycle state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := appInstance.Status().Counts(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATUS\tCOUNT")
			for _, status := range scheduler.AllStatuses {
				fmt.Fprintf(tw, "%s\t%d\n", status, counts[status])
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			return nil
		},
	}
}
