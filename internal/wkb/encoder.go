package wkb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// WKB type constants (ISO SQL/MM specification)
const (
	wkbPoint           = 1
	wkbLineString      = 2
	wkbPolygon         = 3
	wkbMultiPoint      = 4
	wkbMultiLineString = 5
	wkbMultiPolygon    = 6

	// SRID flag for EWKB (PostGIS extended WKB)
	wkbSRIDFlag = 0x20000000
)

// Encoder encodes orb geometries to little-endian EWKB. Only the outermost
// geometry carries the SRID; members of multi geometries do not.
type Encoder struct {
	buf  []byte
	srid uint32
}

// NewEncoder creates an encoder for the given SRID with a pre-allocated buffer
func NewEncoder(initialSize int, srid int) *Encoder {
	return &Encoder{
		buf:  make([]byte, 0, initialSize),
		srid: uint32(srid),
	}
}

// SRID returns the encoder's SRID
func (e *Encoder) SRID() int {
	return int(e.srid)
}

// Reset clears the buffer for reuse
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded bytes
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Encode writes g as EWKB. The returned slice is reused by the next call.
func (e *Encoder) Encode(g orb.Geometry) ([]byte, error) {
	e.Reset()
	if g == nil {
		return nil, fmt.Errorf("cannot encode nil geometry")
	}
	if err := e.geometry(g, true); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// Encode is a one-shot helper returning a fresh slice
func Encode(g orb.Geometry, srid int) ([]byte, error) {
	e := NewEncoder(64, srid)
	data, err := e.Encode(g)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (e *Encoder) header(typ uint32, withSRID bool) {
	e.buf = append(e.buf, 0x01)
	if withSRID {
		e.appendUint32(typ | wkbSRIDFlag)
		e.appendUint32(e.srid)
		return
	}
	e.appendUint32(typ)
}

func (e *Encoder) geometry(g orb.Geometry, withSRID bool) error {
	switch v := g.(type) {
	case orb.Point:
		e.header(wkbPoint, withSRID)
		e.point(v)
	case orb.LineString:
		e.header(wkbLineString, withSRID)
		e.points(v)
	case orb.Polygon:
		e.header(wkbPolygon, withSRID)
		e.rings(v)
	case orb.MultiPoint:
		e.header(wkbMultiPoint, withSRID)
		e.appendUint32(uint32(len(v)))
		for _, p := range v {
			e.header(wkbPoint, false)
			e.point(p)
		}
	case orb.MultiLineString:
		e.header(wkbMultiLineString, withSRID)
		e.appendUint32(uint32(len(v)))
		for _, ls := range v {
			e.header(wkbLineString, false)
			e.points(ls)
		}
	case orb.MultiPolygon:
		e.header(wkbMultiPolygon, withSRID)
		e.appendUint32(uint32(len(v)))
		for _, p := range v {
			e.header(wkbPolygon, false)
			e.rings(p)
		}
	default:
		return fmt.Errorf("unsupported geometry type %T", g)
	}
	return nil
}

func (e *Encoder) point(p orb.Point) {
	e.appendFloat64(p[0])
	e.appendFloat64(p[1])
}

func (e *Encoder) points(ps []orb.Point) {
	e.appendUint32(uint32(len(ps)))
	for _, p := range ps {
		e.point(p)
	}
}

func (e *Encoder) rings(p orb.Polygon) {
	e.appendUint32(uint32(len(p)))
	for _, r := range p {
		e.points(r)
	}
}

func (e *Encoder) appendUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) appendFloat64(v float64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v))
}
