package proj

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// SRID constants for the supported projections
const (
	SRID4326 = 4326 // WGS84 (lon/lat)
	SRID3857 = 3857 // Web Mercator
)

// Web Mercator constants
const (
	// Semi-major axis of WGS84 ellipsoid in meters
	earthRadius = 6378137.0
	// Maximum extent of Web Mercator
	maxExtent = 20037508.342789244
	// Latitude clamp avoiding infinity at the poles
	maxLat = 85.0511287798

	tileSize = 256
)

// Transformer converts coordinates between two supported SRIDs
type Transformer struct {
	SourceSRID int
	TargetSRID int
}

// NewTransformer creates a transformer from source to target SRID
func NewTransformer(sourceSRID, targetSRID int) (*Transformer, error) {
	for _, srid := range []int{sourceSRID, targetSRID} {
		if srid != SRID4326 && srid != SRID3857 {
			return nil, fmt.Errorf("unsupported SRID: %d (only 4326 and 3857 supported)", srid)
		}
	}
	return &Transformer{SourceSRID: sourceSRID, TargetSRID: targetSRID}, nil
}

// NeedsTransform returns true if transformation is required
func (t *Transformer) NeedsTransform() bool {
	return t.SourceSRID != t.TargetSRID
}

// Transform converts one coordinate pair
func (t *Transformer) Transform(x, y float64) (float64, float64) {
	switch {
	case t.SourceSRID == t.TargetSRID:
		return x, y
	case t.SourceSRID == SRID4326:
		return LonLatToMercator(x, y)
	default:
		return MercatorToLonLat(x, y)
	}
}

// Inverse returns the transformer going the other way
func (t *Transformer) Inverse() *Transformer {
	return &Transformer{SourceSRID: t.TargetSRID, TargetSRID: t.SourceSRID}
}

// Geometry returns a transformed copy of g; g itself is not modified
func (t *Transformer) Geometry(g orb.Geometry) orb.Geometry {
	if g == nil {
		return nil
	}
	if !t.NeedsTransform() {
		return orb.Clone(g)
	}

	point := func(p orb.Point) orb.Point {
		x, y := t.Transform(p[0], p[1])
		return orb.Point{x, y}
	}
	line := func(ps []orb.Point) []orb.Point {
		out := make([]orb.Point, len(ps))
		for i, p := range ps {
			out[i] = point(p)
		}
		return out
	}
	polygon := func(p orb.Polygon) orb.Polygon {
		out := make(orb.Polygon, len(p))
		for i, r := range p {
			out[i] = orb.Ring(line(r))
		}
		return out
	}

	switch v := g.(type) {
	case orb.Point:
		return point(v)
	case orb.MultiPoint:
		return orb.MultiPoint(line(v))
	case orb.LineString:
		return orb.LineString(line(v))
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(v))
		for i, ls := range v {
			out[i] = orb.LineString(line(ls))
		}
		return out
	case orb.Polygon:
		return polygon(v)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(v))
		for i, p := range v {
			out[i] = polygon(p)
		}
		return out
	case orb.Ring:
		return orb.Ring(line(v))
	}
	return orb.Clone(g)
}

// LonLatToMercator converts WGS84 (lon, lat) to Web Mercator (x, y)
func LonLatToMercator(lon, lat float64) (x, y float64) {
	if lat > maxLat {
		lat = maxLat
	} else if lat < -maxLat {
		lat = -maxLat
	}

	x = lon * maxExtent / 180.0
	// y = R * ln(tan(π/4 + φ/2))
	latRad := lat * math.Pi / 180.0
	y = math.Log(math.Tan(math.Pi/4.0+latRad/2.0)) * earthRadius
	return x, y
}

// MercatorToLonLat converts Web Mercator (x, y) to WGS84 (lon, lat)
func MercatorToLonLat(x, y float64) (lon, lat float64) {
	lon = x * 180.0 / maxExtent
	lat = (2*math.Atan(math.Exp(y/earthRadius)) - math.Pi/2.0) * 180.0 / math.Pi
	return lon, lat
}

// PixelSize is the ground size in meters of one screen pixel at a zoom level
func PixelSize(zoom int) float64 {
	return 2 * maxExtent / (tileSize * math.Pow(2, float64(zoom)))
}

// ParseSRID parses a projection string to SRID
// Accepts: "4326", "3857", "EPSG:4326", "EPSG:3857"
func ParseSRID(s string) (int, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "EPSG:")
	srid, err := strconv.Atoi(s)
	if err != nil || (srid != SRID4326 && srid != SRID3857) {
		return 0, fmt.Errorf("unsupported projection: %s (supported: 4326, 3857)", s)
	}
	return srid, nil
}
