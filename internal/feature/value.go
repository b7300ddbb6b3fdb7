package feature

import (
	"fmt"
	"strconv"
	"time"
)

// Value is a typed field value. A null value still carries its field type.
type Value struct {
	typ  FieldType
	null bool
	s    string
	i    int64
	r    float64
	t    time.Time
}

func StringValue(s string) Value  { return Value{typ: FieldString, s: s} }
func IntegerValue(i int64) Value  { return Value{typ: FieldInteger, i: i} }
func RealValue(r float64) Value   { return Value{typ: FieldReal, r: r} }
func NullValue(t FieldType) Value { return Value{typ: t, null: true} }

// DateTimeValue truncates to whole seconds
func DateTimeValue(t time.Time) Value {
	return Value{typ: FieldDateTime, t: t.UTC().Truncate(time.Second)}
}

// DateValue keeps only the calendar day
func DateValue(year int, month time.Month, day int) Value {
	return Value{typ: FieldDate, t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// TimeValue keeps only the wall clock time
func TimeValue(hour, minute, second int) Value {
	return Value{typ: FieldTime, t: time.Date(0, 1, 1, hour, minute, second, 0, time.UTC)}
}

func (v Value) Type() FieldType { return v.typ }
func (v Value) IsNull() bool    { return v.null }
func (v Value) Str() string     { return v.s }
func (v Value) Int() int64      { return v.i }
func (v Value) Real() float64   { return v.r }
func (v Value) Time() time.Time { return v.t }

// Equal compares type, nullness and payload
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ || v.null != o.null {
		return false
	}
	if v.null {
		return true
	}
	switch v.typ {
	case FieldString:
		return v.s == o.s
	case FieldInteger:
		return v.i == o.i
	case FieldReal:
		return v.r == o.r
	case FieldDateTime, FieldDate, FieldTime:
		return v.t.Equal(o.t)
	}
	return false
}

// String renders the value for display and logs
func (v Value) String() string {
	if v.null {
		return "NULL"
	}
	switch v.typ {
	case FieldString:
		return v.s
	case FieldInteger:
		return strconv.FormatInt(v.i, 10)
	case FieldReal:
		return strconv.FormatFloat(v.r, 'g', -1, 64)
	case FieldDateTime:
		return v.t.Format(time.RFC3339)
	case FieldDate:
		return v.t.Format(time.DateOnly)
	case FieldTime:
		return v.t.Format(time.TimeOnly)
	}
	return ""
}

// ParseValue converts the textual form produced by String back into a Value
func ParseValue(t FieldType, s string) (Value, error) {
	if s == "NULL" {
		return NullValue(t), nil
	}
	switch t {
	case FieldString:
		return StringValue(s), nil
	case FieldInteger:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid integer %q: %w", s, err)
		}
		return IntegerValue(i), nil
	case FieldReal:
		r, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid real %q: %w", s, err)
		}
		return RealValue(r), nil
	case FieldDateTime:
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid datetime %q: %w", s, err)
		}
		return DateTimeValue(ts), nil
	case FieldDate:
		ts, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid date %q: %w", s, err)
		}
		return DateValue(ts.Date()), nil
	case FieldTime:
		ts, err := time.Parse(time.TimeOnly, s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid time %q: %w", s, err)
		}
		return TimeValue(ts.Hour(), ts.Minute(), ts.Second()), nil
	}
	return Value{}, fmt.Errorf("unsupported field type %s", t)
}
