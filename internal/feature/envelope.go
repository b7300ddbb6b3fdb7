package feature

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Envelope is an axis-aligned bounding box in projected (metric) coordinates.
// The zero value is uninitialized, which is distinct from a zero-sized box at the origin.
type Envelope struct {
	MinX, MinY, MaxX, MaxY float64
	init                   bool
}

// NewEnvelope builds an initialized envelope, swapping bounds when given out of order
func NewEnvelope(minX, minY, maxX, maxY float64) Envelope {
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	return Envelope{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY, init: true}
}

// EnvelopeOf returns the bounds of a geometry, or an uninitialized envelope for nil
func EnvelopeOf(g orb.Geometry) Envelope {
	if g == nil {
		return Envelope{}
	}
	b := g.Bound()
	return NewEnvelope(b.Min[0], b.Min[1], b.Max[0], b.Max[1])
}

// IsInit reports whether the envelope holds bounds
func (e Envelope) IsInit() bool {
	return e.init
}

// Merge returns the smallest envelope covering both. Merging with an
// uninitialized envelope is the identity.
func (e Envelope) Merge(o Envelope) Envelope {
	if !o.init {
		return e
	}
	if !e.init {
		return o
	}
	if o.MinX < e.MinX {
		e.MinX = o.MinX
	}
	if o.MinY < e.MinY {
		e.MinY = o.MinY
	}
	if o.MaxX > e.MaxX {
		e.MaxX = o.MaxX
	}
	if o.MaxY > e.MaxY {
		e.MaxY = o.MaxY
	}
	return e
}

// Intersects is true when the envelopes share at least one point
func (e Envelope) Intersects(o Envelope) bool {
	if !e.init || !o.init {
		return false
	}
	return e.MinX <= o.MaxX && o.MinX <= e.MaxX && e.MinY <= o.MaxY && o.MinY <= e.MaxY
}

// Contains is true when o lies entirely within e
func (e Envelope) Contains(o Envelope) bool {
	if !e.init || !o.init {
		return false
	}
	return e.MinX <= o.MinX && e.MinY <= o.MinY && e.MaxX >= o.MaxX && e.MaxY >= o.MaxY
}

// Expand grows the envelope by d on every side
func (e Envelope) Expand(d float64) Envelope {
	if !e.init {
		return e
	}
	return NewEnvelope(e.MinX-d, e.MinY-d, e.MaxX+d, e.MaxY+d)
}

// Bound converts to an orb.Bound
func (e Envelope) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{e.MinX, e.MinY}, Max: orb.Point{e.MaxX, e.MaxY}}
}

func (e Envelope) String() string {
	if !e.init {
		return "EMPTY"
	}
	return fmt.Sprintf("%g,%g,%g,%g", e.MinX, e.MinY, e.MaxX, e.MaxY)
}

// ParseEnvelope parses "minx,miny,maxx,maxy". An empty string yields an
// uninitialized envelope.
func ParseEnvelope(s string) (Envelope, error) {
	if strings.TrimSpace(s) == "" {
		return Envelope{}, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Envelope{}, fmt.Errorf("envelope must have 4 values: minx,miny,maxx,maxy")
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Envelope{}, fmt.Errorf("invalid envelope coordinate %q: %w", p, err)
		}
		coords[i] = v
	}

	if coords[0] > coords[2] {
		return Envelope{}, fmt.Errorf("minx (%f) must be <= maxx (%f)", coords[0], coords[2])
	}
	if coords[1] > coords[3] {
		return Envelope{}, fmt.Errorf("miny (%f) must be <= maxy (%f)", coords[1], coords[3])
	}
	return NewEnvelope(coords[0], coords[1], coords[2], coords[3]), nil
}
