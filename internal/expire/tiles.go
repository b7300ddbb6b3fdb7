package expire

import (
	"fmt"
	"math"

	"github.com/wegman-software/featuresync/internal/feature"
)

// Half the width of the Web Mercator square in meters
const mercatorExtent = 20037508.342789244

// Tile is a map tile in the XYZ scheme
type Tile struct {
	Z int
	X int
	Y int
}

// String returns the tile in z/x/y format
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// tileMeters is the width of one tile at zoom z
func tileMeters(z int) float64 {
	return 2 * mercatorExtent / float64(int(1)<<z)
}

func clampIndex(v float64, n int) int {
	i := int(math.Floor(v))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// MercatorToTile returns the tile containing an EPSG:3857 coordinate.
// Coordinates outside the square are clamped to the border tiles.
func MercatorToTile(x, y float64, z int) Tile {
	n := int(1) << z
	size := tileMeters(z)
	return Tile{
		Z: z,
		X: clampIndex((x+mercatorExtent)/size, n),
		// Tile rows grow southwards
		Y: clampIndex((mercatorExtent-y)/size, n),
	}
}

// TileRange is the block of tiles covering an envelope at one zoom
type TileRange struct {
	Z          int
	MinX, MaxX int
	MinY, MaxY int
}

// EnvelopeToTileRange returns the tiles an EPSG:3857 envelope touches
func EnvelopeToTileRange(env feature.Envelope, z int) TileRange {
	topLeft := MercatorToTile(env.MinX, env.MaxY, z)
	bottomRight := MercatorToTile(env.MaxX, env.MinY, z)
	return TileRange{
		Z:    z,
		MinX: topLeft.X,
		MaxX: bottomRight.X,
		MinY: topLeft.Y,
		MaxY: bottomRight.Y,
	}
}

// TileCount returns the number of tiles in the range
func (r TileRange) TileCount() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Tiles lists the tiles of the range column by column
func (r TileRange) Tiles() []Tile {
	tiles := make([]Tile, 0, r.TileCount())
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			tiles = append(tiles, Tile{Z: r.Z, X: x, Y: y})
		}
	}
	return tiles
}

// AffectedTiles returns the tiles an envelope touches on every zoom from
// minZoom to maxZoom. An uninitialized envelope touches nothing.
func AffectedTiles(env feature.Envelope, minZoom, maxZoom int) []Tile {
	if !env.IsInit() {
		return nil
	}
	var tiles []Tile
	for z := minZoom; z <= maxZoom; z++ {
		tiles = append(tiles, EnvelopeToTileRange(env, z).Tiles()...)
	}
	return tiles
}
