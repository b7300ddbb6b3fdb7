package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/featuresync/internal/logger"
	"github.com/wegman-software/featuresync/internal/metrics"
)

var startInterval time.Duration

var startCmd = &cobra.Command{
	Use:   "start [layer...]",
	Short: "Start the sync daemon",
	Long: `Start a loop that:
  1. Runs a sync pass for every layer right away
  2. Repeats every --interval
  3. Continues until interrupted (Ctrl+C)

A layer whose previous pass is still running is skipped for that round.
System metrics are logged every --metrics-interval.`,
	Run: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().DurationVar(&startInterval, "interval", 0, "Interval between sync rounds (default from config)")
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() context.Context {
	log := logger.Get()
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()
	return ctx
}

func runStart(cmd *cobra.Command, args []string) {
	log := logger.Get()
	if startInterval > 0 {
		cfg.Interval = startInterval
	}
	ctx := signalContext()

	ws, err := openWorkspace(ctx, args, true)
	if err != nil {
		exitWithError("failed to open layers", err)
	}
	defer ws.Close()

	sched, err := newScheduler(ws)
	if err != nil {
		exitWithError("failed to create scheduler", err)
	}

	if cfg.MetricsInterval > 0 {
		collector := metrics.NewCollector(cfg.MetricsInterval, cfg.DataDir, log)
		go collector.Start(ctx)
		log.Info("System metrics collection started",
			zap.Duration("interval", cfg.MetricsInterval))
	}

	log.Info("Starting sync daemon",
		zap.Int("layers", len(ws.layers)),
		zap.Duration("interval", cfg.Interval),
		zap.Int("workers", cfg.Workers))
	fmt.Printf("Syncing %d layers every %s (press Ctrl+C to stop)\n", len(ws.layers), cfg.Interval)

	err = sched.Run(ctx, cfg.Interval)
	if err != nil && !errors.Is(err, context.Canceled) {
		ws.Close()
		exitWithError("sync daemon stopped", err)
	}

	for _, s := range sched.Recorder().Snapshot() {
		log.Info("Layer totals",
			append(s.Totals.Fields(),
				zap.String("layer", s.Layer),
				zap.Int("passes", s.Passes),
				zap.Int("failed_passes", s.Failures),
				zap.Int("busy", s.Busy),
				zap.Duration("total_time", s.TotalTook))...)
	}
	log.Info("Sync daemon stopped")
}
