package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/url-indexer/internal/server"
)

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Create pending URLs from a list",
		Long: `Reads one URL per line, optionally followed by a type (new or
updated) and a priority: "https://example.com/a,updated,5". Lines
starting with # are ignored. Use - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var src io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open url list: %w", err)
				}
				defer f.Close()
				src = f
			}
			entries, err := server.ParseURLList(src)
			if err != nil {
				return err
			}
			n, err := appInstance.Import(cmd.Context(), entries)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d urls\n", n)
			return nil
		},
	}
}
