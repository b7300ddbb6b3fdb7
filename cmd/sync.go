package cmd

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/featuresync/internal/expire"
	"github.com/wegman-software/featuresync/internal/logger"
	"github.com/wegman-software/featuresync/internal/metrics"
	"github.com/wegman-software/featuresync/internal/scheduler"
	"github.com/wegman-software/featuresync/internal/syncer"
)

var (
	expireOutput  string
	expireMinZoom int
	expireMaxZoom int
)

var syncCmd = &cobra.Command{
	Use:   "sync [layer...]",
	Short: "Run one sync pass",
	Long: `Run one sync pass for the given layers, or for every layer in the
layers file.

A pass pulls server changes into the local store and then pushes the queued
local edits. Failed operations stay queued for the next pass.

Examples:
  # Sync every layer once
  featuresync sync

  # Sync one layer and list the tiles a renderer must redraw
  featuresync sync trees --expire-output dirty.list`,
	Run: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	for _, c := range []*cobra.Command{syncCmd, startCmd} {
		c.Flags().StringVar(&expireOutput, "expire-output", "", "Append expired z/x/y tiles to this file")
		c.Flags().IntVar(&expireMinZoom, "expire-min-zoom", 0, "Minimum zoom for tile expiry (default from config)")
		c.Flags().IntVar(&expireMaxZoom, "expire-max-zoom", 0, "Maximum zoom for tile expiry (default from config)")
	}
}

func applyExpireFlags() {
	if expireOutput != "" {
		cfg.ExpireOutput = expireOutput
	}
	if expireMinZoom > 0 {
		cfg.ExpireMinZoom = expireMinZoom
	}
	if expireMaxZoom > 0 {
		cfg.ExpireMaxZoom = expireMaxZoom
	}
}

// newScheduler wires the workspace layers, tile expiry and the recorder
func newScheduler(ws *workspace) (*scheduler.Scheduler, error) {
	applyExpireFlags()

	var after func(string, syncer.Result, error)
	if cfg.ExpireOutput != "" {
		tracker := expire.NewTracker(cfg.ExpireMinZoom, cfg.ExpireMaxZoom)
		for _, l := range ws.layers {
			l.store.AddObserver(tracker)
		}
		// Passes finish concurrently; one writer at a time
		var mu sync.Mutex
		after = func(layer string, _ syncer.Result, _ error) {
			mu.Lock()
			defer mu.Unlock()
			if err := tracker.AppendToFile(cfg.ExpireOutput); err != nil {
				logger.ForLayer(layer).Warn("Failed to write expired tiles", zap.Error(err))
			}
		}
	}

	return scheduler.New(scheduler.Config{
		Workers:     cfg.Workers,
		PassTimeout: cfg.PassTimeout,
		AfterPass:   after,
	}, syncer.NewEngine(syncer.Config{}), metrics.NewRecorder(), ws.syncLayers())
}

func runSync(cmd *cobra.Command, args []string) {
	log := logger.Get()
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

	total, err := sched.RunOnce(ctx)
	for _, s := range sched.Recorder().Snapshot() {
		fmt.Printf("%-20s %s (%s)\n", s.Layer, s.Last, s.LastTook.Round(time.Millisecond))
		if s.LastError != "" {
			fmt.Printf("%-20s error: %s\n", "", s.LastError)
		}
	}
	log.Info("Sync complete", total.Fields()...)

	if err != nil && !onlyDisabled(err) {
		ws.Close()
		exitWithError("sync failed", err)
	}
}

// onlyDisabled reports whether every joined error is a disabled layer
func onlyDisabled(err error) bool {
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		return errors.Is(err, syncer.ErrLayerDisabled)
	}
	for _, e := range joined.Unwrap() {
		if !errors.Is(e, syncer.ErrLayerDisabled) {
			return false
		}
	}
	return true
}
