package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/parpack/internal/config"
	"github.com/bamsammich/parpack/internal/dedup"
	"github.com/bamsammich/parpack/internal/posix"
)

var indexCmd = newIndexCmd()

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Operate on a dedup data index",
	}
	cmd.AddCommand(newIndexCleanCmd())
	return cmd
}

func newIndexCleanCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "clean [flags] [root]",
		Short: "Remove orphaned chunks and optionally re-verify contents",
		Long: "clean iterates every hash directory of the index, deleting chunk " +
			"files whose only remaining link is the index itself. With --full, " +
			"surviving chunks are also re-read and checked against the MD5 and " +
			"length encoded in their filenames; mismatches are renamed with a " +
			".corrupt suffix. Scheduling recurring cleanups is left to cron.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := ""
			if len(args) == 1 {
				root = args[0]
			} else {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if cfg.Defaults.IndexRoot != nil {
					root = *cfg.Defaults.IndexRoot
				}
			}
			if root == "" {
				return fmt.Errorf("no index root given and none configured")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ix, err := dedup.Get(posix.NewLocal(""), root)
			if err != nil {
				return runtimeErr(err)
			}
			if err := ix.Verify(ctx, !full); err != nil {
				return runtimeErr(err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "re-verify chunk contents, not just orphan links")
	return cmd
}
