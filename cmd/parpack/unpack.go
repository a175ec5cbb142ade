package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/parpack/internal/config"
	"github.com/bamsammich/parpack/internal/dedup"
	"github.com/bamsammich/parpack/internal/event"
	"github.com/bamsammich/parpack/internal/pack"
	"github.com/bamsammich/parpack/internal/posix"
	"github.com/bamsammich/parpack/internal/stats"
)

var unpackCmd = newUnpackCmd()

func newUnpackCmd() *cobra.Command {
	var (
		listen    bool
		host      string
		port      int
		dryRun    bool
		force     bool
		dedupRoot string
	)

	cmd := &cobra.Command{
		Use:   "unpack [flags] [--] path",
		Short: "Materialize an archive stream into a directory",
		Long: "unpack reads an archive produced by pack from standard in, or over " +
			"TCP with -l, and recreates the trees under the given directory: " +
			"files, directories, symlinks, devices, FIFOs, hard-link groups, " +
			"and directory modification times.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cmd.Flags().Changed("port") && cfg.Defaults.Port != nil {
				port = *cfg.Defaults.Port
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runUnpack(ctx, cmd, args[0], listen, host, port, dryRun, force, dedupRoot); err != nil {
				return runtimeErr(err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&listen, "listen", "l", false, "listen for an incoming connection instead of reading standard in")
	cmd.Flags().StringVarP(&host, "host", "h", "", "listen on the interface matching host")
	cmd.Flags().IntVarP(&port, "port", "p", pack.DefaultPort, "TCP port to listen on")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "perform a dry run, do not modify the filesystem")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")
	cmd.Flags().StringVarP(&dedupRoot, "dedup", "d", "", "write to a deduplicated filesystem at the given root; paths are relative to it")
	return cmd
}

func runUnpack(ctx context.Context, cmd *cobra.Command, dest string, listen bool, host string, port int, dryRun, force bool, dedupRoot string) error {
	var fs posix.FileSystem = posix.NewLocal(dedupRoot)
	if dedupRoot != "" {
		ix, err := dedup.Get(fs, "/"+dedup.IndexDirName)
		if err != nil {
			return err
		}
		fs = dedup.NewFS(fs, ix)
	}

	var printer *event.Printer
	if verboseEnabled(cmd) {
		printer = event.NewPrinter(os.Stderr)
		defer printer.Close()
	}

	collector := stats.NewCollector()
	opts := pack.UnpackOptions{
		DryRun:  dryRun,
		Force:   force,
		Verbose: printer,
		Stats:   collector,
	}

	if !listen {
		if err := pack.Unpack(ctx, fs, dest, os.Stdin, opts); err != nil {
			return err
		}
		slog.Debug("unpack complete", "stats", collector.Snapshot().String())
		return nil
	}

	// Accept exactly one TCP connection.
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := pack.Unpack(ctx, fs, dest, conn, opts); err != nil {
		return err
	}
	// Confirm the clean END so the packer's final read does not see EOF.
	if _, err := conn.Write([]byte{pack.AckByte}); err != nil {
		return err
	}
	slog.Debug("unpack complete", "stats", collector.Snapshot().String())
	return nil
}
