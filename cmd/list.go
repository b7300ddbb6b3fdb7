package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/wegman-software/featuresync/internal/config"
)

var listLayersCmd = &cobra.Command{
	Use:   "list-layers",
	Short: "List the layers defined in the layers file",
	Run: func(cmd *cobra.Command, args []string) {
		defs, err := config.LoadLayers(cfg.LayersFile)
		if err != nil {
			exitWithError("failed to load layers", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tGEOMETRY\tSYNC\tDIRECTION\tREMOTE")
		for _, d := range defs {
			st, _ := d.InitialSyncType()
			dir, _ := d.SyncDirection()
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.Name, d.Kind, d.GeometryType, st, dir, remoteLabel(d))
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listLayersCmd)
}

func remoteLabel(d config.LayerDef) string {
	switch d.Kind {
	case config.KindREST:
		return fmt.Sprintf("%s resource %d", d.URL, d.ResourceID)
	case config.KindPostGIS:
		schema := d.DBSchema
		if schema == "" {
			schema = "public"
		}
		return schema + "." + d.Table
	}
	return ""
}
