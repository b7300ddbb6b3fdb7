package feature

import (
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

func TestNormalizeFieldName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"name", "name"},
		{"Name", "name"},
		{"Street Name", "street_name"},
		{"2nd_floor", "f_2nd_floor"},
		{"fid", "fid_"},
		{"ID", "id_"},
		{"geom", "geom_"},
		{"höhe", "h_he"},
		{"", "field"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeFieldName(tt.in); got != tt.want {
				t.Errorf("NormalizeFieldName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEnvelopeUninitialized(t *testing.T) {
	var empty Envelope
	if empty.IsInit() {
		t.Fatal("zero envelope should be uninitialized")
	}

	e := NewEnvelope(0, 0, 0, 0)
	if !e.IsInit() {
		t.Fatal("zero-sized envelope should be initialized")
	}

	if got := empty.Merge(e); got != e {
		t.Errorf("empty.Merge(e) = %v, want %v", got, e)
	}
	if got := e.Merge(empty); got != e {
		t.Errorf("e.Merge(empty) = %v, want %v", got, e)
	}
	if empty.Intersects(e) || e.Intersects(empty) {
		t.Error("uninitialized envelope must not intersect anything")
	}
}

func TestEnvelopeRelations(t *testing.T) {
	a := NewEnvelope(0, 0, 10, 10)

	tests := []struct {
		name       string
		b          Envelope
		intersects bool
		contains   bool
	}{
		{"inside", NewEnvelope(2, 2, 3, 3), true, true},
		{"same", NewEnvelope(0, 0, 10, 10), true, true},
		{"overlap", NewEnvelope(5, 5, 15, 15), true, false},
		{"touching edge", NewEnvelope(10, 0, 20, 10), true, false},
		{"disjoint", NewEnvelope(11, 11, 12, 12), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Intersects(tt.b); got != tt.intersects {
				t.Errorf("Intersects = %v, want %v", got, tt.intersects)
			}
			if got := a.Contains(tt.b); got != tt.contains {
				t.Errorf("Contains = %v, want %v", got, tt.contains)
			}
		})
	}
}

func TestNewEnvelopeSwapsBounds(t *testing.T) {
	e := NewEnvelope(10, 20, 0, 5)
	if e.MinX != 0 || e.MaxX != 10 || e.MinY != 5 || e.MaxY != 20 {
		t.Errorf("NewEnvelope did not normalize bounds: %v", e)
	}
}

func TestParseEnvelope(t *testing.T) {
	e, err := ParseEnvelope("1, 2, 3, 4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e != NewEnvelope(1, 2, 3, 4) {
		t.Errorf("ParseEnvelope = %v", e)
	}

	e, err = ParseEnvelope("")
	if err != nil || e.IsInit() {
		t.Errorf("empty input should give uninitialized envelope, got %v, %v", e, err)
	}

	for _, bad := range []string{"1,2,3", "a,b,c,d", "5,0,1,1", "0,5,1,1"} {
		if _, err := ParseEnvelope(bad); err == nil {
			t.Errorf("ParseEnvelope(%q) expected error", bad)
		}
	}
}

func TestGeometryTypeAccepts(t *testing.T) {
	tests := []struct {
		layer      GeometryType
		geom       GeometryType
		allowMulti bool
		want       bool
	}{
		{GeometryPoint, GeometryPoint, false, true},
		{GeometryPoint, GeometryMultiPoint, false, false},
		{GeometryPoint, GeometryMultiPoint, true, true},
		{GeometryMultiPolygon, GeometryPolygon, true, true},
		{GeometryPolygon, GeometryLineString, true, false},
		{GeometryPoint, GeometryUnknown, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.layer.String()+"/"+tt.geom.String(), func(t *testing.T) {
			if got := tt.layer.Accepts(tt.geom, tt.allowMulti); got != tt.want {
				t.Errorf("Accepts = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseGeometryType(t *testing.T) {
	for gt, name := range geometryNames {
		if gt == GeometryUnknown {
			continue
		}
		got, err := ParseGeometryType(name)
		if err != nil || got != gt {
			t.Errorf("ParseGeometryType(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseGeometryType("circle"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestValidateGeometry(t *testing.T) {
	square := orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}
	open := orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}}

	tests := []struct {
		name    string
		geom    orb.Geometry
		layer   GeometryType
		wantErr bool
	}{
		{"valid point", orb.Point{1, 2}, GeometryPoint, false},
		{"nil geometry", nil, GeometryPoint, true},
		{"wrong type", orb.LineString{{0, 0}, {1, 1}}, GeometryPoint, true},
		{"short line", orb.LineString{{0, 0}}, GeometryLineString, true},
		{"valid polygon", orb.Polygon{square}, GeometryPolygon, false},
		{"open ring", orb.Polygon{open}, GeometryPolygon, true},
		{"empty multipoint", orb.MultiPoint{}, GeometryMultiPoint, true},
		{"polygon with hole", orb.Polygon{square, orb.Ring{{0.2, 0.2}, {0.4, 0.2}, {0.4, 0.4}, {0.2, 0.2}}}, GeometryPolygon, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGeometry(tt.geom, tt.layer, false)
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEqualsData(t *testing.T) {
	fields := []Field{
		{Name: "name", Type: FieldString},
		{Name: "height", Type: FieldReal},
	}
	a := &Feature{
		ID:       1,
		Geometry: orb.Point{1, 1},
		Values:   map[string]Value{"name": StringValue("A"), "height": RealValue(2.5)},
	}

	same := a.Clone()
	if !EqualsData(a, same, fields, CompareData) {
		t.Error("clone should compare equal")
	}

	renamed := a.Clone()
	renamed.Values["name"] = StringValue("B")
	if EqualsData(a, renamed, fields, CompareData) {
		t.Error("different attribute should not compare equal")
	}
	if !EqualsData(a, renamed, fields, CompareGeometry) {
		t.Error("geometry-only comparison should ignore attributes")
	}

	moved := a.Clone()
	moved.Geometry = orb.Point{1, 2}
	if EqualsData(a, moved, fields, CompareData) {
		t.Error("different geometry should not compare equal")
	}
	if !EqualsData(a, moved, fields, CompareAttributes) {
		t.Error("attribute-only comparison should ignore geometry")
	}

	missing := a.Clone()
	delete(missing.Values, "height")
	nulled := a.Clone()
	nulled.Values["height"] = NullValue(FieldReal)
	if !EqualsData(missing, nulled, fields, CompareAttributes) {
		t.Error("missing value should equal explicit null")
	}
}

func TestEqualsAttachments(t *testing.T) {
	a := &Feature{Attachments: []Attachment{{ID: 1, Name: "photo.jpg", MimeType: "image/jpeg", Size: 10}}}
	b := &Feature{Attachments: []Attachment{{ID: 1, Name: "photo.jpg", MimeType: "image/jpeg", Size: 10, BlobName: "x"}}}
	if !EqualsAttachments(a, b) {
		t.Error("blob name is local-only and should not affect equality")
	}

	b.Attachments[0].Description = "changed"
	if EqualsAttachments(a, b) {
		t.Error("description change should be detected")
	}
}

func TestValueRoundTrip(t *testing.T) {
	values := []Value{
		StringValue("hello"),
		IntegerValue(-42),
		RealValue(3.25),
		DateTimeValue(time.Date(2024, 1, 15, 12, 30, 45, 999, time.UTC)),
		DateValue(2024, time.February, 29),
		TimeValue(23, 59, 1),
		NullValue(FieldInteger),
	}

	for _, v := range values {
		t.Run(v.Type().String(), func(t *testing.T) {
			got, err := ParseValue(v.Type(), v.String())
			if err != nil {
				t.Fatalf("ParseValue error: %v", err)
			}
			if !got.Equal(v) {
				t.Errorf("ParseValue(%q) = %v, want %v", v.String(), got, v)
			}
		})
	}
}

func TestSchemaValidate(t *testing.T) {
	s := &Schema{GeometryType: GeometryPoint}
	s.AddField(Field{Name: "Name", Type: FieldString})
	if s.AddField(Field{Name: "name", Type: FieldInteger}) {
		t.Error("duplicate field should not be added")
	}

	ok := &Feature{ID: 3, Geometry: orb.Point{0, 0}, Values: map[string]Value{"name": StringValue("x")}}
	if err := s.Validate(ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := &Feature{ID: 3, Geometry: orb.Point{0, 0}, Values: map[string]Value{"name": IntegerValue(1)}}
	if err := s.Validate(bad); err == nil {
		t.Error("expected type mismatch error")
	}

	unknown := &Feature{ID: 3, Geometry: orb.Point{0, 0}, Values: map[string]Value{"other": StringValue("x")}}
	if err := s.Validate(unknown); err == nil {
		t.Error("expected unknown field error")
	}
}
