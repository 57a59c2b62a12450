package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/network-contribution-rewards/ncr/internal/bootstrap"
	"github.com/network-contribution-rewards/ncr/internal/datastore"
	"github.com/network-contribution-rewards/ncr/internal/export"
)

const shutdownTimeout = 30 * time.Second

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "ncr",
		Short: "Network contribution rewards worker",
		Long: "ncr aggregates per-link telemetry from the ledger, derives " +
			"statistical summaries, and constructs the inputs consumed by the " +
			"reward allocation engine.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file")

	root.AddCommand(newRunCmd(), newSchedulerCmd(), newReplayCmd(), newExportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRunCmd processes the most recent closed epoch once and exits.
func newRunCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the most recent closed epoch once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			bs := bootstrap.New()
			if err := bs.Initialize(ctx, configFile); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer bs.Stop(ctx)

			if err := bs.Worker.LoadState(ctx); err != nil {
				return fmt.Errorf("failed to load scheduler state: %w", err)
			}
			if dryRun {
				bs.Config.Scheduler.EnableDryRun = true
			}

			if err := bs.Worker.Tick(ctx); err != nil {
				return err
			}
			bs.Logger.Info(ctx, "single run complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "process without writing the snapshot or advancing state")
	return cmd
}

// newSchedulerCmd runs the interval loop until interrupted.
func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the epoch scheduler and operator gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			bs := bootstrap.New()
			if err := bs.Initialize(ctx, configFile); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			logger := bs.Logger
			logger.Info(ctx, "rewards worker starting", zap.String("config_file", configFile))

			if err := bs.Start(ctx); err != nil {
				return fmt.Errorf("failed to start components: %w", err)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			runErr := make(chan error, 1)
			go func() {
				runErr <- bs.Worker.Run(ctx)
			}()

			select {
			case sig := <-sigChan:
				logger.Info(ctx, "shutdown signal received", zap.String("signal", sig.String()))
				cancel()
				<-runErr
			case err := <-runErr:
				if err != nil {
					logger.Error(ctx, "scheduler halted", zap.Error(err))
					stop(bs)
					return err
				}
			}

			if err := stop(bs); err != nil {
				return err
			}
			logger.Info(context.Background(), "rewards worker stopped")
			return nil
		},
	}
}

func stop(bs *bootstrap.Bootstrap) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := bs.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	return nil
}

// newReplayCmd reprocesses a single epoch outside the scheduler loop.
func newReplayCmd() *cobra.Command {
	var (
		epoch  uint64
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reprocess one epoch and rewrite its snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if epoch == 0 {
				return fmt.Errorf("--epoch is required and must be positive")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			bs := bootstrap.New()
			if err := bs.Initialize(ctx, configFile); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer bs.Stop(ctx)

			logger := bs.Logger
			logger.Info(ctx, "replaying epoch",
				zap.Uint64("epoch", epoch),
				zap.Bool("dry_run", dryRun))

			// The scheduler treats a corrupt snapshot as a cache miss
			// and refetches. A manual replay instead refuses to run so
			// the operator can inspect the file before it is replaced.
			if bs.Config.Cache.Enabled {
				if _, err := bs.Cache.Load(ctx, epoch); err != nil && errors.Is(err, datastore.ErrCorrupt) {
					return fmt.Errorf("snapshot for epoch %d is corrupt, inspect or remove %s before replaying: %w",
						epoch, bs.Cache.Path(epoch), err)
				}
			}

			runCtx, runCancel := context.WithTimeout(ctx, bs.Config.Scheduler.RunTimeout)
			defer runCancel()

			result, err := bs.Worker.ProcessEpoch(runCtx, epoch, dryRun)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}

			logger.Info(ctx, "replay complete",
				zap.Uint64("epoch", result.Epoch),
				zap.Bool("from_cache", result.FromCache),
				zap.Int("private_links", result.PrivateLinks),
				zap.Int("demands", result.Demands))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&epoch, "epoch", 0, "epoch to replay")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "process without writing the snapshot")
	return cmd
}

// newExportCmd renders a cached snapshot to a file or stdout.
func newExportCmd() *cobra.Command {
	var (
		epoch      uint64
		formatName string
		outputPath string
		table      string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a cached epoch snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if epoch == 0 {
				return fmt.Errorf("--epoch is required and must be positive")
			}
			format, err := export.ParseFormat(formatName)
			if err != nil {
				return err
			}

			ctx := context.Background()

			bs := bootstrap.New()
			if err := bs.Initialize(ctx, configFile); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer bs.Stop(ctx)

			snapshot, err := bs.Cache.Load(ctx, epoch)
			if err != nil {
				return fmt.Errorf("loading snapshot for epoch %d: %w", epoch, err)
			}

			var out io.Writer = os.Stdout
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("creating output file: %w", err)
				}
				defer f.Close()
				out = f
			}

			exporter := export.New(format)
			switch table {
			case "stats":
				if snapshot.Metrics == nil {
					return fmt.Errorf("snapshot for epoch %d has no processed metrics", epoch)
				}
				return exporter.WriteLinkStats(out, snapshot.Metrics.LinkStats)
			case "internet":
				if snapshot.Metrics == nil {
					return fmt.Errorf("snapshot for epoch %d has no processed metrics", epoch)
				}
				return exporter.WriteLinkStats(out, snapshot.Metrics.InternetStats)
			case "inputs":
				if snapshot.Inputs == nil {
					return fmt.Errorf("snapshot for epoch %d has no allocation inputs", epoch)
				}
				return exporter.WriteShapleyInputs(out, snapshot.Inputs)
			default:
				return fmt.Errorf("unknown table %q (want stats, internet, or inputs)", table)
			}
		},
	}
	cmd.Flags().Uint64Var(&epoch, "epoch", 0, "epoch to export")
	cmd.Flags().StringVar(&formatName, "format", "json", "output format: csv, json, or json-pretty")
	cmd.Flags().StringVar(&outputPath, "output", "", "output file (default stdout)")
	cmd.Flags().StringVar(&table, "table", "stats", "table to export: stats, internet, or inputs")
	return cmd
}
