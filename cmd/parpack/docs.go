package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var docsCmd = newDocsCmd()

// newDocsCmd builds the hidden documentation generator. parpack ships
// markdown only; man pages are left to distro packaging.
func newDocsCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:    "gen-docs",
		Short:  "Generate markdown documentation for parpack",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
			if err := doc.GenMarkdownTree(cmd.Root(), dir); err != nil {
				return fmt.Errorf("generate docs: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "docs", "output directory")
	return cmd
}
