// Command csvgen appends synthetic rows to CSV files for load and rotation
// testing of csvagent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
)

func newRootCmd() *cobra.Command {
	var (
		cfg      Config
		duration time.Duration
		logLevel string
	)

	cmd := &cobra.Command{
		Use:          "csvgen",
		Short:        "Append synthetic rows to CSV files",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(logging.Config{Level: logLevel, Format: "console"})

			g, err := NewGenerator(cfg, logger)
			if err != nil {
				return err
			}
			defer g.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			start := time.Now()
			stats, err := g.Run(ctx)
			elapsed := time.Since(start)

			fmt.Fprintf(cmd.OutOrStdout(), "rows=%d rotations=%d bytes=%d elapsed=%s rate=%.0f/s\n",
				stats.Rows, stats.Rotations, stats.Bytes, elapsed.Round(time.Millisecond),
				float64(stats.Rows)/elapsed.Seconds())
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfg.Dir, "dir", "d", "data", "directory to write files into")
	f.IntVarP(&cfg.Files, "files", "n", 1, "number of files to write round-robin")
	f.Float64VarP(&cfg.Rate, "rate", "r", 100, "rows per second across all files (0 = unlimited)")
	f.Int64Var(&cfg.MaxRows, "rows", 0, "stop after this many rows (0 = no limit)")
	f.DurationVar(&duration, "duration", 0, "stop after this long (0 = until interrupted)")
	f.Int64Var(&cfg.RotateEvery, "rotate-every", 0, "rotate a file after this many rows (0 = never)")
	f.StringVar(&cfg.RotateMode, "rotate-mode", RotateTruncate, "rotation style: truncate or rename")
	f.Int64Var(&cfg.Seed, "seed", 0, "random seed (0 = time based)")
	f.StringVar(&logLevel, "log-level", "info", "log level")

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
