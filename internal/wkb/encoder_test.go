package wkb

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/paulmach/orb"
	orbwkb "github.com/paulmach/orb/encoding/wkb"
)

func TestEncodePoint(t *testing.T) {
	data, err := Encode(orb.Point{1, 2}, 4326)
	if err != nil {
		t.Fatal(err)
	}
	// PostGIS: SELECT ST_AsEWKB('SRID=4326;POINT(1 2)')
	want := "0101000020e6100000000000000000f03f0000000000000040"
	if got := hex.EncodeToString(data); got != want {
		t.Errorf("Encode(POINT(1 2)) = %s, want %s", got, want)
	}
}

func TestEncodeHeaders(t *testing.T) {
	ring := orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 0}}
	tests := []struct {
		name string
		geom orb.Geometry
		typ  uint32
		size int
	}{
		{"point", orb.Point{1, 1}, wkbPoint, 25},
		{"linestring", orb.LineString{{0, 0}, {1, 1}}, wkbLineString, 13 + 2*16},
		{"polygon", orb.Polygon{ring}, wkbPolygon, 13 + 4 + 4*16},
		{"multipoint", orb.MultiPoint{{0, 0}, {1, 1}}, wkbMultiPoint, 13 + 2*21},
		{"multilinestring", orb.MultiLineString{{{0, 0}, {1, 1}}}, wkbMultiLineString, 13 + 9 + 2*16},
		{"multipolygon", orb.MultiPolygon{{ring}, {ring}}, wkbMultiPolygon, 13 + 2*(9+4+4*16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.geom, 3857)
			if err != nil {
				t.Fatal(err)
			}
			if len(data) != tt.size {
				t.Errorf("len = %d, want %d", len(data), tt.size)
			}
			if typ := binary.LittleEndian.Uint32(data[1:]); typ != tt.typ|wkbSRIDFlag {
				t.Errorf("type = %#x, want %#x", typ, tt.typ|wkbSRIDFlag)
			}
			if srid := binary.LittleEndian.Uint32(data[5:]); srid != 3857 {
				t.Errorf("srid = %d, want 3857", srid)
			}
		})
	}
}

func TestEncodeMatchesPlainWKBBody(t *testing.T) {
	g := orb.MultiPolygon{{{{0, 0}, {4, 0}, {4, 4}, {0, 0}}, {{1, 1}, {2, 1}, {2, 2}, {1, 1}}}}

	data, err := Encode(g, 4326)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := orbwkb.Marshal(g)
	if err != nil {
		t.Fatal(err)
	}
	// EWKB is plain WKB with the flag set and four SRID bytes after the type
	if hex.EncodeToString(data[9:]) != hex.EncodeToString(plain[5:]) {
		t.Error("EWKB body differs from WKB body")
	}
}

func TestEncodeNil(t *testing.T) {
	if _, err := Encode(nil, 4326); err == nil {
		t.Error("expected error for nil geometry")
	}
}
