package geomstore

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/proj"
	"github.com/wegman-software/featuresync/internal/spatial"
)

// Zooms returns the ladder from MaxZoom down to MinZoom
func (o Options) Zooms() []int {
	var zooms []int
	for z := o.MaxZoom; z >= o.MinZoom; z -= o.ZoomStep {
		zooms = append(zooms, z)
	}
	return zooms
}

// bucket picks the ladder zoom serving a render request: the coarsest ladder
// zoom that is still at least as detailed as requested
func (o Options) bucket(zoom int) (int, bool) {
	if zoom > o.MaxZoom {
		return 0, false
	}
	zooms := o.Zooms()
	best := zooms[len(zooms)-1]
	for _, z := range zooms {
		if z >= zoom {
			best = z
		}
	}
	return best, true
}

func (o Options) tolerance(zoom int) float64 {
	return o.ToleranceFactor * proj.PixelSize(zoom)
}

func (o Options) overlapRadius(zoom int) float64 {
	return o.OverlapPixels * proj.PixelSize(zoom)
}

// retained is a point entry to add to a zoom's point cache once the feature
// is persisted
type retained struct {
	zoom int
	env  feature.Envelope
}

// simplifyLadder computes the geometry stored at each ladder zoom. Each step
// simplifies the output of the previous, more detailed step. For point
// layers the overlap rule is checked against points, the per-zoom caches of
// retained points; the returned entries must be added to them after commit.
func (s *Store) simplifyLadder(id int64, g orb.Geometry) (map[int]orb.Geometry, []retained) {
	zooms := s.opts.Zooms()
	out := make(map[int]orb.Geometry, len(zooms))

	switch feature.TypeOf(g) {
	case feature.GeometryPoint, feature.GeometryMultiPoint:
		var keep []retained
		for _, z := range zooms {
			kept := s.thinPoints(id, g, z)
			out[z] = kept
			if kept != nil {
				keep = append(keep, retained{zoom: z, env: feature.EnvelopeOf(kept)})
			}
		}
		return out, keep
	}

	cur := orb.Clone(g)
	for _, z := range zooms {
		if cur != nil {
			tol := s.opts.tolerance(z)
			cur = dropDegenerate(simplify.DouglasPeucker(tol).Simplify(orb.Clone(cur)), tol)
		}
		out[z] = cur
	}
	return out, nil
}

// thinPoints applies the overlap rule at one zoom
func (s *Store) thinPoints(id int64, g orb.Geometry, zoom int) orb.Geometry {
	cache := s.zoomPoints[zoom]
	radius := s.opts.overlapRadius(zoom)

	covered := func(p orb.Point) bool {
		if cache == nil {
			return false
		}
		for _, other := range cache.Within(p, radius) {
			if other != id {
				return true
			}
		}
		return false
	}

	switch v := g.(type) {
	case orb.Point:
		if covered(v) {
			return nil
		}
		return v
	case orb.MultiPoint:
		var kept orb.MultiPoint
		for _, p := range v {
			if covered(p) {
				continue
			}
			near := false
			for _, k := range kept {
				if planar.Distance(p, k) <= radius {
					near = true
					break
				}
			}
			if !near {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			return nil
		}
		return kept
	}
	return g
}

// dropDegenerate removes parts that collapse below the tolerance and returns
// nil when nothing visible is left
func dropDegenerate(g orb.Geometry, tol float64) orb.Geometry {
	switch v := g.(type) {
	case orb.LineString:
		if len(v) < 2 || planar.Length(v) < tol {
			return nil
		}
		return v
	case orb.MultiLineString:
		var out orb.MultiLineString
		for _, ls := range v {
			if kept := dropDegenerate(ls, tol); kept != nil {
				out = append(out, kept.(orb.LineString))
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case orb.Polygon:
		if len(v) == 0 || !ringVisible(v[0], tol) {
			return nil
		}
		out := orb.Polygon{v[0]}
		for _, hole := range v[1:] {
			if ringVisible(hole, tol) {
				out = append(out, hole)
			}
		}
		return out
	case orb.MultiPolygon:
		var out orb.MultiPolygon
		for _, p := range v {
			if kept := dropDegenerate(p, tol); kept != nil {
				out = append(out, kept.(orb.Polygon))
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return g
}

func ringVisible(r orb.Ring, tol float64) bool {
	return len(r) >= 4 && math.Abs(planar.Area(r)) >= tol*tol
}

// commitPoints records retained points of a persisted feature
func (s *Store) commitPoints(id int64, keep []retained) {
	for _, r := range keep {
		cache, ok := s.zoomPoints[r.zoom]
		if !ok {
			cache = spatial.NewCache()
			s.zoomPoints[r.zoom] = cache
		}
		cache.Add(id, r.env)
	}
}

func (s *Store) forgetPoints(id int64) {
	for _, cache := range s.zoomPoints {
		cache.Remove(id)
	}
}
