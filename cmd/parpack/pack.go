package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/bamsammich/parpack/internal/config"
	"github.com/bamsammich/parpack/internal/event"
	"github.com/bamsammich/parpack/internal/pack"
	"github.com/bamsammich/parpack/internal/posix"
	"github.com/bamsammich/parpack/internal/stats"
)

var packCmd = newPackCmd()

// sizeFlag is a pflag.Value that parses human-readable sizes (100M, 1G)
// as they are set, so bad values fail at argument-parse time.
type sizeFlag struct {
	bytes int64
}

var _ pflag.Value = (*sizeFlag)(nil)

func (f *sizeFlag) String() string {
	if f.bytes == 0 {
		return ""
	}
	return fmt.Sprintf("%d", f.bytes)
}

func (*sizeFlag) Type() string { return "size" }

func (f *sizeFlag) Set(val string) error {
	n, err := config.ParseSize(val)
	if err != nil {
		return err
	}
	f.bytes = n
	return nil
}

func newPackCmd() *cobra.Command {
	var (
		host      string
		port      int
		compress  bool
		dedupRoot string
		bwLimit   sizeFlag
	)

	cmd := &cobra.Command{
		Use:   "pack [flags] [--] path {path}",
		Short: "Combine directory trees into a single archive stream",
		Long: "pack walks the given directories in a merge-sorted interleaving and " +
			"writes one archive stream to standard out, or to a host over TCP " +
			"with -h. Hard links are coalesced so parallel backup trees do not " +
			"balloon in transit.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cmd.Flags().Changed("port") && cfg.Defaults.Port != nil {
				port = *cfg.Defaults.Port
			}
			if !cmd.Flags().Changed("bwlimit") && cfg.Defaults.BWLimit != nil {
				if err := bwLimit.Set(*cfg.Defaults.BWLimit); err != nil {
					return fmt.Errorf("invalid bwlimit in config: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runPack(ctx, cmd, args, host, port, compress, dedupRoot, bwLimit.bytes); err != nil {
				return runtimeErr(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&host, "host", "h", "", "connect to host instead of writing to standard out")
	cmd.Flags().IntVarP(&port, "port", "p", pack.DefaultPort, "TCP port to connect to")
	cmd.Flags().BoolVarP(&compress, "compress", "z", false, "compress the output")
	cmd.Flags().StringVarP(&dedupRoot, "dedup", "d", "", "read from a deduplicated filesystem at the given root; paths are relative to it")
	cmd.Flags().Var(&bwLimit, "bwlimit", "bandwidth limit (e.g. 100M, 1G)")
	return cmd
}

func runPack(ctx context.Context, cmd *cobra.Command, paths []string, host string, port int, compress bool, dedupRoot string, bwLimit int64) error {
	fs := posix.NewLocal(dedupRoot)

	var printer *event.Printer
	if verboseEnabled(cmd) {
		printer = event.NewPrinter(os.Stderr)
		defer printer.Close()
	}
	collector := stats.NewCollector()

	opts := pack.PackOptions{
		Compress: compress,
		Verbose:  printer,
		Stats:    collector,
	}

	if host != "" {
		conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			return err
		}
		defer conn.Close()

		var out io.Writer = conn
		if bwLimit > 0 {
			out = newRateLimitedWriter(ctx, conn, bwLimit)
		}
		if err := pack.Pack(ctx, fs, paths, out, opts); err != nil {
			return err
		}
		// The unpacker confirms a clean END with a single byte so socket
		// close is not mistaken for failure.
		var resp [1]byte
		if _, err := io.ReadFull(conn, resp[:]); err != nil {
			return fmt.Errorf("End of file while reading completion confirmation")
		}
		if resp[0] != pack.AckByte {
			return fmt.Errorf("Unexpected value while reading completion confirmation")
		}
		slog.Debug("pack complete", "stats", collector.Snapshot().String())
		return nil
	}

	var out io.Writer = os.Stdout
	if bwLimit > 0 {
		out = newRateLimitedWriter(ctx, os.Stdout, bwLimit)
	}
	if err := pack.Pack(ctx, fs, paths, out, opts); err != nil {
		return err
	}
	slog.Debug("pack complete", "stats", collector.Snapshot().String())
	return nil
}

func verboseEnabled(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("verbose")
	return v
}

// rateLimitedWriter throttles writes to a shared bandwidth budget.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func newRateLimitedWriter(ctx context.Context, w io.Writer, bytesPerSec int64) *rateLimitedWriter {
	burst := 1 << 20
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return &rateLimitedWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

func (rw *rateLimitedWriter) Write(p []byte) (int, error) {
	if err := rw.limiter.WaitN(rw.ctx, len(p)); err != nil {
		return 0, err
	}
	return rw.w.Write(p)
}
