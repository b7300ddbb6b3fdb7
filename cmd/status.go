package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/wegman-software/featuresync/internal/changelog"
)

var statusCmd = &cobra.Command{
	Use:   "status [layer...]",
	Short: "Show local sync state",
	Long: `Display for every layer:
  - Sync type and time of the last successful pull
  - Notice left by the engine (e.g. when the server resource was deleted)
  - Feature count and extent of the local store
  - Queued change records by operation

Only the local side is read; no server is contacted.`,
	Run: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type pendingCounts struct {
	New, Changed, Deleted, Attachments int
}

func countPending(log *changelog.Log) pendingCounts {
	var c pendingCounts
	for _, r := range log.Records() {
		switch {
		case r.IsAttach():
			c.Attachments++
		case r.Op&changelog.OpDelete != 0:
			c.Deleted++
		case r.Op&changelog.OpNew != 0:
			c.New++
		case r.Op&changelog.OpChanged != 0:
			c.Changed++
		}
	}
	return c
}

func runStatus(cmd *cobra.Command, args []string) {
	ws, err := openWorkspace(context.Background(), args, false)
	if err != nil {
		exitWithError("failed to open layers", err)
	}
	defer ws.Close()

	for _, l := range ws.layers {
		st, err := l.state.Load()
		if err != nil {
			exitWithError("failed to load state", err)
		}
		ids, err := l.store.IDs()
		if err != nil {
			exitWithError("failed to list features", err)
		}
		pending := countPending(l.store.Log())

		lastPull := "never"
		if !st.LastPull.IsZero() {
			lastPull = fmt.Sprintf("%s (%s ago)", st.LastPull.Format(time.RFC3339),
				time.Since(st.LastPull).Round(time.Second))
		}

		fmt.Printf("Layer:     %s (%s)\n", l.def.Name, l.def.Kind)
		fmt.Printf("Sync type: %s\n", st.SyncType)
		fmt.Printf("Last pull: %s\n", lastPull)
		if st.Notice != "" {
			fmt.Printf("Notice:    %s\n", st.Notice)
		}
		fmt.Printf("Features:  %d\n", len(ids))
		if ext := l.store.Extent(); ext.IsInit() {
			fmt.Printf("Extent:    %s\n", ext)
		}
		fmt.Printf("Pending:   %d new, %d changed, %d deleted, %d attachment records\n\n",
			pending.New, pending.Changed, pending.Deleted, pending.Attachments)
	}
}
