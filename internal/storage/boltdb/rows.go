package boltdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	bolt "go.etcd.io/bbolt"

	"github.com/wegman-software/featuresync/internal/feature"
)

type storedValue struct {
	Type feature.FieldType `json:"t"`
	Null bool              `json:"n,omitempty"`
	S    string            `json:"s,omitempty"`
	I    int64             `json:"i,omitempty"`
	R    float64           `json:"r,omitempty"`
	T    *time.Time        `json:"ts,omitempty"`
}

type storedAttachment struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mime"`
	Description string `json:"descr,omitempty"`
	Size        int64  `json:"size"`
	BlobName    string `json:"blob,omitempty"`
}

type storedRow struct {
	ID          int64                  `json:"id"`
	Geom        []byte                 `json:"geom"`
	Values      map[string]storedValue `json:"values,omitempty"`
	Attachments []storedAttachment     `json:"attachments,omitempty"`
	Draft       feature.DraftState     `json:"draft,omitempty"`
}

func encodeValue(v feature.Value) storedValue {
	sv := storedValue{Type: v.Type(), Null: v.IsNull()}
	if sv.Null {
		return sv
	}
	switch v.Type() {
	case feature.FieldString:
		sv.S = v.Str()
	case feature.FieldInteger:
		sv.I = v.Int()
	case feature.FieldReal:
		sv.R = v.Real()
	case feature.FieldDateTime, feature.FieldDate, feature.FieldTime:
		t := v.Time()
		sv.T = &t
	}
	return sv
}

func decodeValue(sv storedValue) feature.Value {
	if sv.Null {
		return feature.NullValue(sv.Type)
	}
	var t time.Time
	if sv.T != nil {
		t = *sv.T
	}
	switch sv.Type {
	case feature.FieldInteger:
		return feature.IntegerValue(sv.I)
	case feature.FieldReal:
		return feature.RealValue(sv.R)
	case feature.FieldDateTime:
		return feature.DateTimeValue(t)
	case feature.FieldDate:
		return feature.DateValue(t.Date())
	case feature.FieldTime:
		return feature.TimeValue(t.Hour(), t.Minute(), t.Second())
	}
	return feature.StringValue(sv.S)
}

func encodeRow(f *feature.Feature) ([]byte, error) {
	row := storedRow{ID: f.ID, Draft: f.Draft}
	if f.Geometry != nil {
		g, err := wkb.Marshal(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("failed to encode geometry of feature %d: %w", f.ID, err)
		}
		row.Geom = g
	}
	if len(f.Values) > 0 {
		row.Values = make(map[string]storedValue, len(f.Values))
		for k, v := range f.Values {
			row.Values[k] = encodeValue(v)
		}
	}
	for _, a := range f.Attachments {
		row.Attachments = append(row.Attachments, storedAttachment(a))
	}
	return json.Marshal(row)
}

func decodeRow(data []byte) (*feature.Feature, error) {
	var row storedRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to decode feature row: %w", err)
	}
	f := &feature.Feature{ID: row.ID, Draft: row.Draft}
	if len(row.Geom) > 0 {
		g, err := wkb.Unmarshal(row.Geom)
		if err != nil {
			return nil, fmt.Errorf("failed to decode geometry of feature %d: %w", row.ID, err)
		}
		f.Geometry = g
	}
	if len(row.Values) > 0 {
		f.Values = make(map[string]feature.Value, len(row.Values))
		for k, sv := range row.Values {
			f.Values[k] = decodeValue(sv)
		}
	}
	for _, a := range row.Attachments {
		f.Attachments = append(f.Attachments, feature.Attachment(a))
	}
	return f, nil
}

// GetFeature loads one feature row
func (d *DB) GetFeature(id int64) (*feature.Feature, bool, error) {
	var f *feature.Feature
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketFeatures).Get(idKey(id))
		if v == nil {
			return nil
		}
		var err error
		f, err = decodeRow(v)
		return err
	})
	if err != nil {
		return nil, false, wrap("read feature", err)
	}
	return f, f != nil, nil
}

// PutFeature stores a feature row. A non-nil zooms map replaces every stored
// zoom geometry of the feature in the same transaction; a nil geometry in
// the map marks the feature as not rendered at that zoom.
func (d *DB) PutFeature(f *feature.Feature, zooms map[int]orb.Geometry) error {
	data, err := encodeRow(f)
	if err != nil {
		return err
	}
	var encoded map[int][]byte
	if zooms != nil {
		encoded = make(map[int][]byte, len(zooms))
		for z, g := range zooms {
			v, err := encodeZoom(g)
			if err != nil {
				return fmt.Errorf("failed to encode zoom %d of feature %d: %w", z, f.ID, err)
			}
			encoded[z] = v
		}
	}

	err = d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFeatures).Put(idKey(f.ID), data); err != nil {
			return err
		}
		if encoded == nil {
			return nil
		}
		zb := tx.Bucket(bucketZooms)
		if err := deletePrefix(zb, idKey(f.ID)); err != nil {
			return err
		}
		for z, v := range encoded {
			if err := zb.Put(zoomKey(f.ID, z), v); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("write feature", err)
}

// DeleteFeature removes a feature row with its zoom geometries
func (d *DB) DeleteFeature(id int64) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFeatures).Delete(idKey(id)); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket(bucketZooms), idKey(id))
	})
	return wrap("delete feature", err)
}

// RenameFeature moves a row and its zoom geometries to a new id atomically
func (d *DB) RenameFeature(oldID, newID int64) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		fb := tx.Bucket(bucketFeatures)
		v := fb.Get(idKey(oldID))
		if v == nil {
			return nil
		}
		f, err := decodeRow(v)
		if err != nil {
			return err
		}
		f.ID = newID
		data, err := encodeRow(f)
		if err != nil {
			return err
		}
		if err := fb.Delete(idKey(oldID)); err != nil {
			return err
		}
		if err := fb.Put(idKey(newID), data); err != nil {
			return err
		}

		zb := tx.Bucket(bucketZooms)
		type kv struct {
			zoom int
			val  []byte
		}
		var moved []kv
		prefix := idKey(oldID)
		c := zb.Cursor()
		for k, val := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, val = c.Next() {
			moved = append(moved, kv{zoom: int(k[8]), val: append([]byte(nil), val...)})
		}
		if err := deletePrefix(zb, prefix); err != nil {
			return err
		}
		for _, m := range moved {
			if err := zb.Put(zoomKey(newID, m.zoom), m.val); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("rename feature", err)
}

// ScanFeatures visits every row in ascending id order until fn returns false
func (d *DB) ScanFeatures(fn func(*feature.Feature) bool) error {
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFeatures).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			f, err := decodeRow(v)
			if err != nil {
				return fmt.Errorf("feature %d: %w", keyID(k), err)
			}
			if !fn(f) {
				return nil
			}
		}
		return nil
	})
	return wrap("scan features", err)
}

// CountFeatures returns the number of stored rows
func (d *DB) CountFeatures() (int, error) {
	var n int
	err := d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketFeatures).Stats().KeyN
		return nil
	})
	return n, wrap("count features", err)
}

// GetZoomGeometry returns the simplified geometry stored for a zoom. found is
// false when nothing is stored; a found nil geometry is not rendered.
func (d *DB) GetZoomGeometry(id int64, zoom int) (orb.Geometry, bool, error) {
	var (
		g     orb.Geometry
		found bool
	)
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketZooms).Get(zoomKey(id, zoom))
		if v == nil {
			return nil
		}
		found = true
		var err error
		g, err = decodeZoom(v)
		return err
	})
	if err != nil {
		return nil, false, wrap("read zoom geometry", err)
	}
	return g, found, nil
}

// LoadSchema returns the stored layer schema, or nil when none was saved
func (d *DB) LoadSchema() (*feature.Schema, error) {
	var s *feature.Schema
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keySchema)
		if v == nil {
			return nil
		}
		s = &feature.Schema{}
		return json.Unmarshal(v, s)
	})
	return s, wrap("read schema", err)
}

// SaveSchema stores the layer schema
func (d *DB) SaveSchema(s *feature.Schema) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	err = d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keySchema, data)
	})
	return wrap("write schema", err)
}

func zoomKey(id int64, zoom int) []byte {
	return append(idKey(id), byte(zoom))
}

func encodeZoom(g orb.Geometry) ([]byte, error) {
	if g == nil {
		return []byte{0}, nil
	}
	data, err := wkb.Marshal(g)
	if err != nil {
		return nil, err
	}
	return append([]byte{1}, data...), nil
}

func decodeZoom(v []byte) (orb.Geometry, error) {
	if len(v) == 0 || v[0] == 0 {
		return nil, nil
	}
	return wkb.Unmarshal(v[1:])
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
