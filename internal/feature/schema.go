package feature

import "fmt"

// Schema is the declared structure of a layer
type Schema struct {
	Name         string
	GeometryType GeometryType
	AllowMulti   bool
	Fields       []Field
}

// Field returns the field with the given normalized name
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// AddField appends a field unless one with the same name exists.
// Returns false when nothing was added.
func (s *Schema) AddField(f Field) bool {
	f.Name = NormalizeFieldName(f.Name)
	if _, ok := s.Field(f.Name); ok {
		return false
	}
	if f.Alias == "" {
		f.Alias = f.Name
	}
	s.Fields = append(s.Fields, f)
	return true
}

// Clone returns a copy that shares nothing with s
func (s *Schema) Clone() *Schema {
	out := *s
	out.Fields = append([]Field(nil), s.Fields...)
	return &out
}

// Validate checks geometry and values of f against the schema
func (s *Schema) Validate(f *Feature) error {
	if err := ValidateGeometry(f.Geometry, s.GeometryType, s.AllowMulti); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			ve.FeatureID = f.ID
		}
		return err
	}
	for name, v := range f.Values {
		fld, ok := s.Field(name)
		if !ok {
			return &ValidationError{FeatureID: f.ID, Field: name, Reason: "unknown field"}
		}
		if v.Type() != fld.Type {
			return &ValidationError{
				FeatureID: f.ID,
				Field:     name,
				Reason:    fmt.Sprintf("value of type %s for field of type %s", v.Type(), fld.Type),
			}
		}
	}
	return nil
}
