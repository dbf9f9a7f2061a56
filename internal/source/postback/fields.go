package postback

import (
	"maps"
	"time"
)

// FieldMapper turns a day into the form overrides that select it.
type FieldMapper interface {
	Fields(day time.Time) map[string]string
}

// FieldMapperFunc adapts a function to FieldMapper.
type FieldMapperFunc func(day time.Time) map[string]string

// Fields implements FieldMapper.
func (f FieldMapperFunc) Fields(day time.Time) map[string]string { return f(day) }

// DateFieldMapper is the config-driven mapper: every entry of Dates formats
// the day with its Go layout, Static values are copied as is.
type DateFieldMapper struct {
	// Dates maps a form field name to a time layout such as "02-Jan-2006".
	Dates  map[string]string
	Static map[string]string
}

// Fields implements FieldMapper.
func (m DateFieldMapper) Fields(day time.Time) map[string]string {
	out := make(map[string]string, len(m.Dates)+len(m.Static))
	maps.Copy(out, m.Static)
	for name, layout := range m.Dates {
		out[name] = day.Format(layout)
	}
	return out
}
