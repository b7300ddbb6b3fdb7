package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/geomstore"
	"github.com/wegman-software/featuresync/internal/logger"
	"github.com/wegman-software/featuresync/internal/proj"
	"github.com/wegman-software/featuresync/internal/syncer"
)

var (
	searchBBox    string
	searchLonLat  bool
	searchGeoJSON bool
	searchZoom    int
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and rebuild the spatial cache",
}

var cacheRebuildCmd = &cobra.Command{
	Use:   "rebuild [layer...]",
	Short: "Rebuild spatial indexes from the stored features",
	Long: `Recompute the spatial index, the simplified render geometry and the
point overlap caches of each layer from its stored rows, then save the
index file.`,
	Run: runCacheRebuild,
}

var cacheSearchCmd = &cobra.Command{
	Use:   "search <layer>",
	Short: "List features intersecting a bounding box",
	Long: `List the features of a layer whose envelope intersects --bbox.

The bbox is in EPSG:3857 meters unless --lonlat is given. With --geojson the
result is printed as a GeoJSON FeatureCollection in EPSG:4326, using the
render geometry of --zoom when set.

Examples:
  featuresync cache search trees --bbox 7.40,43.72,7.44,43.75 --lonlat --geojson`,
	Args: cobra.ExactArgs(1),
	Run:  runCacheSearch,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheRebuildCmd)
	cacheCmd.AddCommand(cacheSearchCmd)

	cacheSearchCmd.Flags().StringVar(&searchBBox, "bbox", "", "Search box minx,miny,maxx,maxy (required)")
	cacheSearchCmd.Flags().BoolVar(&searchLonLat, "lonlat", false, "The bbox is in degrees (EPSG:4326)")
	cacheSearchCmd.Flags().BoolVar(&searchGeoJSON, "geojson", false, "Print a GeoJSON FeatureCollection")
	cacheSearchCmd.Flags().IntVar(&searchZoom, "zoom", 0, "Zoom of the printed geometry (0 = full resolution)")
	cacheSearchCmd.MarkFlagRequired("bbox")
}

func runCacheRebuild(cmd *cobra.Command, args []string) {
	log := logger.Get()
	ws, err := openWorkspace(context.Background(), args, false)
	if err != nil {
		exitWithError("failed to open layers", err)
	}
	defer ws.Close()

	for _, l := range ws.layers {
		if err := l.store.RebuildCache(); err != nil {
			exitWithError("failed to rebuild cache", err)
		}
		log.Info("Cache rebuilt",
			zap.String("layer", l.def.Name),
			zap.Int("features", l.store.Size()),
			zap.String("extent", l.store.Extent().String()))
	}
}

func runCacheSearch(cmd *cobra.Command, args []string) {
	env, err := feature.ParseEnvelope(searchBBox)
	if err != nil {
		exitWithError("invalid bbox", err)
	}
	if searchLonLat {
		minX, minY := proj.LonLatToMercator(env.MinX, env.MinY)
		maxX, maxY := proj.LonLatToMercator(env.MaxX, env.MaxY)
		env = feature.NewEnvelope(minX, minY, maxX, maxY)
	}

	ws, err := openWorkspace(context.Background(), args, false)
	if err != nil {
		exitWithError("failed to open layers", err)
	}
	defer ws.Close()
	store := ws.layers[0].store

	ids := store.Query(env)
	if !searchGeoJSON {
		for _, id := range ids {
			e, _ := store.Envelope(id)
			fmt.Printf("%d\t%s\n", id, e)
		}
		return
	}

	fc, err := searchCollection(store, ids)
	if err != nil {
		exitWithError("failed to build GeoJSON", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fc); err != nil {
		exitWithError("failed to write GeoJSON", err)
	}
}

// searchCollection renders features in EPSG:4326
func searchCollection(store *geomstore.Store, ids []int64) (*geojson.FeatureCollection, error) {
	toLonLat, err := proj.NewTransformer(syncer.LocalSRID, proj.SRID4326)
	if err != nil {
		return nil, err
	}

	fc := geojson.NewFeatureCollection()
	for _, id := range ids {
		f, err := store.GetFeature(id)
		if err != nil {
			return nil, err
		}
		g := f.Geometry
		if searchZoom > 0 {
			if g = store.GetGeometry(id, searchZoom); g == nil {
				// Hidden at this zoom
				continue
			}
		}

		gf := geojson.NewFeature(toLonLat.Geometry(g))
		gf.ID = id
		for name, v := range f.Values {
			gf.Properties[name] = propertyValue(v)
		}
		gf.Properties["draft"] = f.Draft.String()
		gf.Properties["attachments"] = len(f.Attachments)
		fc.Append(gf)
	}
	return fc, nil
}

func propertyValue(v feature.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Type() {
	case feature.FieldInteger:
		return v.Int()
	case feature.FieldReal:
		return v.Real()
	}
	return v.String()
}
