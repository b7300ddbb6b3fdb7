package feature

import (
	"fmt"
	"strings"
)

// FieldType is the type tag of a layer field
type FieldType int

const (
	FieldString FieldType = iota
	FieldInteger
	FieldReal
	FieldDateTime
	FieldDate
	FieldTime
)

var fieldTypeNames = map[FieldType]string{
	FieldString:   "STRING",
	FieldInteger:  "INTEGER",
	FieldReal:     "REAL",
	FieldDateTime: "DATETIME",
	FieldDate:     "DATE",
	FieldTime:     "TIME",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// ParseFieldType parses a field type name. BIGINT is accepted as INTEGER.
func ParseFieldType(s string) (FieldType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "BIGINT" {
		return FieldInteger, nil
	}
	for t, name := range fieldTypeNames {
		if name == s {
			return t, nil
		}
	}
	return FieldString, fmt.Errorf("unsupported field type: %q", s)
}

// Field describes one attribute column of a layer
type Field struct {
	Name  string    `yaml:"name" json:"name"`
	Alias string    `yaml:"alias,omitempty" json:"alias,omitempty"`
	Type  FieldType `yaml:"-" json:"type"`
}

var reservedNames = map[string]bool{
	"fid":  true,
	"geom": true,
	"id":   true,
}

// NormalizeFieldName turns an arbitrary field name into a storage-safe identifier:
// lowercase ASCII letters, digits and underscores, never starting with a digit
// and never colliding with a reserved column name.
func NormalizeFieldName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "field"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "f_" + out
	}
	if reservedNames[out] {
		out += "_"
	}
	return out
}
