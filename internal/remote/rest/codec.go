package rest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb/encoding/wkt"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/remote"
)

type layerJSON struct {
	GeometryType string `json:"geometry_type"`
	SRS          struct {
		ID int `json:"id"`
	} `json:"srs"`
}

type fieldJSON struct {
	Keyname     string `json:"keyname"`
	DisplayName string `json:"display_name"`
	Datatype    string `json:"datatype"`
}

type resourceJSON struct {
	Resource struct {
		ID          int64  `json:"id"`
		DisplayName string `json:"display_name"`
		Cls         string `json:"cls"`
	} `json:"resource"`
	VectorLayer  *layerJSON `json:"vector_layer"`
	PostgisLayer *layerJSON `json:"postgis_layer"`
	FeatureLayer struct {
		Fields     []fieldJSON `json:"fields"`
		Versioning *struct {
			Enabled bool `json:"enabled"`
		} `json:"versioning"`
	} `json:"feature_layer"`
}

// column maps a local field to the server keyname
type column struct {
	field feature.Field
	key   string
}

func (r *resourceJSON) meta(id int64) (*remote.Meta, []column, error) {
	layer := r.VectorLayer
	if layer == nil {
		layer = r.PostgisLayer
	}
	if layer == nil {
		return nil, nil, fmt.Errorf("resource %d of class %q is not a vector layer", id, r.Resource.Cls)
	}
	gtype, err := feature.ParseGeometryType(layer.GeometryType)
	if err != nil {
		return nil, nil, err
	}

	meta := &remote.Meta{
		ID:           id,
		Name:         r.Resource.DisplayName,
		GeometryType: gtype,
		SRID:         layer.SRS.ID,
		Tracked:      r.FeatureLayer.Versioning != nil && r.FeatureLayer.Versioning.Enabled,
	}
	cols := make([]column, 0, len(r.FeatureLayer.Fields))
	for _, f := range r.FeatureLayer.Fields {
		ft, err := feature.ParseFieldType(f.Datatype)
		if err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", f.Keyname, err)
		}
		fld := feature.Field{Name: feature.NormalizeFieldName(f.Keyname), Alias: f.DisplayName, Type: ft}
		meta.Fields = append(meta.Fields, fld)
		cols = append(cols, column{field: fld, key: f.Keyname})
	}
	return meta, cols, nil
}

type attachmentJSON struct {
	ID          int64       `json:"id,omitempty"`
	Name        string      `json:"name"`
	Size        int64       `json:"size,omitempty"`
	MimeType    string      `json:"mime_type,omitempty"`
	Description string      `json:"description"`
	FileUpload  *uploadJSON `json:"file_upload,omitempty"`
}

type uploadJSON struct {
	ID       string `json:"id"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
}

type featureJSON struct {
	ID         int64                      `json:"id,omitempty"`
	Geom       string                     `json:"geom"`
	Fields     map[string]json.RawMessage `json:"fields"`
	Extensions *struct {
		Attachment []attachmentJSON `json:"attachment"`
	} `json:"extensions,omitempty"`
}

type changesJSON struct {
	Added   []featureJSON `json:"added"`
	Changed []featureJSON `json:"changed"`
	Deleted []int64       `json:"deleted"`
}

type idJSON struct {
	ID int64 `json:"id"`
}

type dateJSON struct {
	Year   int `json:"year,omitempty"`
	Month  int `json:"month,omitempty"`
	Day    int `json:"day,omitempty"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

type dateOnlyJSON struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

type timeOnlyJSON struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

func decodeFeatures(op string, rows []featureJSON, cols []column) ([]*feature.Feature, error) {
	out := make([]*feature.Feature, 0, len(rows))
	for _, row := range rows {
		f, err := decodeFeature(row, cols)
		if err != nil {
			return nil, &remote.Error{Op: op, Kind: remote.ErrProtocol, Cause: fmt.Errorf("feature %d: %w", row.ID, err)}
		}
		out = append(out, f)
	}
	return out, nil
}

func decodeFeature(row featureJSON, cols []column) (*feature.Feature, error) {
	g, err := wkt.Unmarshal(row.Geom)
	if err != nil {
		return nil, fmt.Errorf("failed to parse geometry: %w", err)
	}
	f := &feature.Feature{
		ID:       row.ID,
		Geometry: g,
		Values:   make(map[string]feature.Value, len(cols)),
	}
	for _, c := range cols {
		raw, ok := row.Fields[c.key]
		if !ok {
			continue
		}
		v, err := decodeValue(c.field.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", c.key, err)
		}
		f.Values[c.field.Name] = v
	}
	if row.Extensions != nil {
		for _, a := range row.Extensions.Attachment {
			f.Attachments = append(f.Attachments, feature.Attachment{
				ID:          a.ID,
				Name:        a.Name,
				MimeType:    a.MimeType,
				Description: a.Description,
				Size:        a.Size,
			})
		}
		f.SortAttachments()
	}
	return f, nil
}

func decodeValue(t feature.FieldType, raw json.RawMessage) (feature.Value, error) {
	if string(raw) == "null" {
		return feature.NullValue(t), nil
	}
	switch t {
	case feature.FieldString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return feature.Value{}, err
		}
		return feature.StringValue(s), nil
	case feature.FieldInteger:
		var i int64
		if err := json.Unmarshal(raw, &i); err != nil {
			return feature.Value{}, err
		}
		return feature.IntegerValue(i), nil
	case feature.FieldReal:
		var r float64
		if err := json.Unmarshal(raw, &r); err != nil {
			return feature.Value{}, err
		}
		return feature.RealValue(r), nil
	case feature.FieldDate:
		var d dateOnlyJSON
		if err := json.Unmarshal(raw, &d); err != nil {
			return feature.Value{}, err
		}
		return feature.DateValue(d.Year, time.Month(d.Month), d.Day), nil
	case feature.FieldTime:
		var d timeOnlyJSON
		if err := json.Unmarshal(raw, &d); err != nil {
			return feature.Value{}, err
		}
		return feature.TimeValue(d.Hour, d.Minute, d.Second), nil
	case feature.FieldDateTime:
		var d dateJSON
		if err := json.Unmarshal(raw, &d); err != nil {
			return feature.Value{}, err
		}
		return feature.DateTimeValue(time.Date(d.Year, time.Month(d.Month), d.Day, d.Hour, d.Minute, d.Second, 0, time.UTC)), nil
	}
	return feature.Value{}, fmt.Errorf("unsupported field type %s", t)
}

func encodeValue(v feature.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Type() {
	case feature.FieldString:
		return v.Str()
	case feature.FieldInteger:
		return v.Int()
	case feature.FieldReal:
		return v.Real()
	case feature.FieldDate:
		t := v.Time()
		return dateOnlyJSON{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
	case feature.FieldTime:
		t := v.Time()
		return timeOnlyJSON{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
	case feature.FieldDateTime:
		t := v.Time().UTC()
		return dateJSON{Year: t.Year(), Month: int(t.Month()), Day: t.Day(), Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
	}
	return nil
}

type featureBody struct {
	Geom   string         `json:"geom"`
	Fields map[string]any `json:"fields"`
}

func encodeFeature(f *feature.Feature, cols []column) featureBody {
	body := featureBody{Fields: make(map[string]any, len(cols))}
	if f.Geometry != nil {
		body.Geom = wkt.MarshalString(f.Geometry)
	}
	for _, c := range cols {
		if v, ok := f.Values[c.field.Name]; ok {
			body.Fields[c.key] = encodeValue(v)
		}
	}
	return body
}
