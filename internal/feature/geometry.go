package feature

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// GeometryType is the closed set of geometry kinds a layer can hold
type GeometryType int

const (
	GeometryUnknown GeometryType = iota
	GeometryPoint
	GeometryLineString
	GeometryPolygon
	GeometryMultiPoint
	GeometryMultiLineString
	GeometryMultiPolygon
)

var geometryNames = map[GeometryType]string{
	GeometryUnknown:         "UNKNOWN",
	GeometryPoint:           "POINT",
	GeometryLineString:      "LINESTRING",
	GeometryPolygon:         "POLYGON",
	GeometryMultiPoint:      "MULTIPOINT",
	GeometryMultiLineString: "MULTILINESTRING",
	GeometryMultiPolygon:    "MULTIPOLYGON",
}

// String returns the OGC name of the geometry type
func (t GeometryType) String() string {
	if name, ok := geometryNames[t]; ok {
		return name
	}
	return fmt.Sprintf("GeometryType(%d)", int(t))
}

// ParseGeometryType parses an OGC geometry type name (case-insensitive)
func ParseGeometryType(s string) (GeometryType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for t, name := range geometryNames {
		if t != GeometryUnknown && name == s {
			return t, nil
		}
	}
	return GeometryUnknown, fmt.Errorf("unsupported geometry type: %q", s)
}

// IsMulti reports whether t is one of the multi- variants
func (t GeometryType) IsMulti() bool {
	return t == GeometryMultiPoint || t == GeometryMultiLineString || t == GeometryMultiPolygon
}

// Multi returns the multi- variant of a single geometry type
func (t GeometryType) Multi() GeometryType {
	switch t {
	case GeometryPoint:
		return GeometryMultiPoint
	case GeometryLineString:
		return GeometryMultiLineString
	case GeometryPolygon:
		return GeometryMultiPolygon
	}
	return t
}

// Single returns the single variant of a multi- geometry type
func (t GeometryType) Single() GeometryType {
	switch t {
	case GeometryMultiPoint:
		return GeometryPoint
	case GeometryMultiLineString:
		return GeometryLineString
	case GeometryMultiPolygon:
		return GeometryPolygon
	}
	return t
}

// IsPointLike is true for Point and MultiPoint
func (t GeometryType) IsPointLike() bool {
	return t == GeometryPoint || t == GeometryMultiPoint
}

// TypeOf maps an orb geometry to its GeometryType
func TypeOf(g orb.Geometry) GeometryType {
	switch g.(type) {
	case orb.Point:
		return GeometryPoint
	case orb.LineString:
		return GeometryLineString
	case orb.Polygon:
		return GeometryPolygon
	case orb.MultiPoint:
		return GeometryMultiPoint
	case orb.MultiLineString:
		return GeometryMultiLineString
	case orb.MultiPolygon:
		return GeometryMultiPolygon
	}
	return GeometryUnknown
}

// Accepts reports whether a layer of type t stores geometry of type g.
// With allowMulti the single and multi variants are interchangeable.
func (t GeometryType) Accepts(g GeometryType, allowMulti bool) bool {
	if g == GeometryUnknown {
		return false
	}
	if t == g {
		return true
	}
	if !allowMulti {
		return false
	}
	return t.Single() == g.Single()
}

// ValidateGeometry checks structure and type of a geometry against a layer type
func ValidateGeometry(g orb.Geometry, layer GeometryType, allowMulti bool) error {
	if g == nil {
		return &ValidationError{Field: "geometry", Reason: "geometry is empty"}
	}
	gt := TypeOf(g)
	if !layer.Accepts(gt, allowMulti) {
		return &ValidationError{
			Field:  "geometry",
			Reason: fmt.Sprintf("geometry type %s does not match layer type %s", gt, layer),
		}
	}

	var reason string
	switch v := g.(type) {
	case orb.Point:
		reason = checkPoint(v)
	case orb.MultiPoint:
		if len(v) == 0 {
			reason = "multipoint has no points"
		}
		for _, p := range v {
			if reason == "" {
				reason = checkPoint(p)
			}
		}
	case orb.LineString:
		reason = checkLine(v)
	case orb.MultiLineString:
		if len(v) == 0 {
			reason = "multilinestring has no parts"
		}
		for _, ls := range v {
			if reason == "" {
				reason = checkLine(ls)
			}
		}
	case orb.Polygon:
		reason = checkPolygon(v)
	case orb.MultiPolygon:
		if len(v) == 0 {
			reason = "multipolygon has no parts"
		}
		for _, p := range v {
			if reason == "" {
				reason = checkPolygon(p)
			}
		}
	}
	if reason != "" {
		return &ValidationError{Field: "geometry", Reason: reason}
	}
	return nil
}

func checkPoint(p orb.Point) string {
	if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
		return "point has non-finite coordinates"
	}
	return ""
}

func checkLine(ls orb.LineString) string {
	if len(ls) < 2 {
		return "linestring needs at least 2 points"
	}
	for _, p := range ls {
		if r := checkPoint(p); r != "" {
			return r
		}
	}
	return ""
}

func checkPolygon(poly orb.Polygon) string {
	if len(poly) == 0 {
		return "polygon has no rings"
	}
	for i, ring := range poly {
		if len(ring) < 4 {
			return fmt.Sprintf("ring %d needs at least 4 points", i)
		}
		if !ring.Closed() {
			return fmt.Sprintf("ring %d is not closed", i)
		}
		for _, p := range ring {
			if r := checkPoint(p); r != "" {
				return r
			}
		}
	}
	return ""
}

// geometryTolerance absorbs float noise from reprojection round trips (meters)
const geometryTolerance = 1e-6

// EqualGeometry compares two geometries coordinate by coordinate
func EqualGeometry(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if TypeOf(a) != TypeOf(b) {
		return false
	}
	switch va := a.(type) {
	case orb.Point:
		return pointsClose(va, b.(orb.Point))
	case orb.MultiPoint:
		return pointSeqEqual(va, b.(orb.MultiPoint))
	case orb.LineString:
		return pointSeqEqual(va, b.(orb.LineString))
	case orb.MultiLineString:
		vb := b.(orb.MultiLineString)
		if len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !pointSeqEqual(va[i], vb[i]) {
				return false
			}
		}
		return true
	case orb.Polygon:
		return polygonEqual(va, b.(orb.Polygon))
	case orb.MultiPolygon:
		vb := b.(orb.MultiPolygon)
		if len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !polygonEqual(va[i], vb[i]) {
				return false
			}
		}
		return true
	}
	return orb.Equal(a, b)
}

func polygonEqual(a, b orb.Polygon) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !pointSeqEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func pointSeqEqual[S ~[]orb.Point](a, b S) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !pointsClose(a[i], b[i]) {
			return false
		}
	}
	return true
}

func pointsClose(a, b orb.Point) bool {
	return math.Abs(a[0]-b[0]) <= geometryTolerance && math.Abs(a[1]-b[1]) <= geometryTolerance
}
