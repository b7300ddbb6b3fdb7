package feature

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/paulmach/orb"
)

// IsLocalID reports whether id belongs to the local-only range that the
// server never assigns
func IsLocalID(id int64) bool {
	return id < 0
}

// DraftState marks features that are kept out of synchronization
type DraftState int

const (
	// Committed features are queued for push like any other edit
	Committed DraftState = iota
	// Temp features are scratch geometry, never queued and dropped freely
	Temp
	// LocalOnly features are kept locally and never queued or deleted by pull
	LocalOnly
)

func (d DraftState) String() string {
	switch d {
	case Committed:
		return "committed"
	case Temp:
		return "temp"
	case LocalOnly:
		return "local-only"
	}
	return fmt.Sprintf("DraftState(%d)", int(d))
}

// Queued reports whether edits to a feature in this state go to the change log
func (d DraftState) Queued() bool {
	return d == Committed
}

// Attachment is binary content attached to a feature
type Attachment struct {
	ID          int64
	Name        string
	MimeType    string
	Description string
	Size        int64
	// BlobName is the file name inside the feature's attachment folder,
	// empty when only remote metadata is known
	BlobName string
}

// Key is the wire form of the attachment id
func (a Attachment) Key() string {
	return strconv.FormatInt(a.ID, 10)
}

// SameMetadata compares the fields that are synchronized with the server
func (a Attachment) SameMetadata(o Attachment) bool {
	return a.ID == o.ID && a.Name == o.Name && a.Description == o.Description &&
		a.MimeType == o.MimeType && a.Size == o.Size
}

// Feature is one record of a vector layer
type Feature struct {
	ID          int64
	Geometry    orb.Geometry
	Values      map[string]Value
	Attachments []Attachment
	Draft       DraftState
}

// Clone returns a deep copy
func (f *Feature) Clone() *Feature {
	if f == nil {
		return nil
	}
	out := &Feature{ID: f.ID, Draft: f.Draft}
	if f.Geometry != nil {
		out.Geometry = orb.Clone(f.Geometry)
	}
	if f.Values != nil {
		out.Values = make(map[string]Value, len(f.Values))
		for k, v := range f.Values {
			out.Values[k] = v
		}
	}
	if len(f.Attachments) > 0 {
		out.Attachments = append([]Attachment(nil), f.Attachments...)
	}
	return out
}

// Envelope returns the bounds of the feature geometry
func (f *Feature) Envelope() Envelope {
	return EnvelopeOf(f.Geometry)
}

// Attachment looks up an attachment by id
func (f *Feature) Attachment(id int64) (Attachment, bool) {
	for _, a := range f.Attachments {
		if a.ID == id {
			return a, true
		}
	}
	return Attachment{}, false
}

// SortAttachments orders attachments by id
func (f *Feature) SortAttachments() {
	sort.Slice(f.Attachments, func(i, j int) bool {
		return f.Attachments[i].ID < f.Attachments[j].ID
	})
}

// CompareMask selects which parts of the data EqualsData compares
type CompareMask int

const (
	CompareAttributes CompareMask = 1 << iota
	CompareGeometry

	CompareData = CompareAttributes | CompareGeometry
)

// EqualsData compares attributes and/or geometry of two features.
// Missing values are treated as null.
func EqualsData(a, b *Feature, fields []Field, mask CompareMask) bool {
	if mask&CompareGeometry != 0 && !EqualGeometry(a.Geometry, b.Geometry) {
		return false
	}
	if mask&CompareAttributes != 0 {
		for _, fld := range fields {
			va, ok := a.Values[fld.Name]
			if !ok {
				va = NullValue(fld.Type)
			}
			vb, ok := b.Values[fld.Name]
			if !ok {
				vb = NullValue(fld.Type)
			}
			if !va.Equal(vb) {
				return false
			}
		}
	}
	return true
}

// EqualsAttachments compares attachment metadata sets by id
func EqualsAttachments(a, b *Feature) bool {
	if len(a.Attachments) != len(b.Attachments) {
		return false
	}
	for _, att := range a.Attachments {
		other, ok := b.Attachment(att.ID)
		if !ok || !att.SameMetadata(other) {
			return false
		}
	}
	return true
}

// ValidationError rejects a feature before anything is persisted
type ValidationError struct {
	FeatureID int64
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.FeatureID != 0 {
		return fmt.Sprintf("invalid feature %d: %s: %s", e.FeatureID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid feature: %s: %s", e.Field, e.Reason)
}
