// Package formstate replays server-rendered (postback style) HTML forms.
//
// A FormState is scraped from one response, selectively overridden and
// resubmitted so that every hidden token the server issued travels back
// unchanged. Pagination over postback result grids is driven by PageCursor.
package formstate

import (
	"net/url"
	"slices"
	"strings"
)

// Field is one name/value pair of a form submission.
type Field struct {
	Name  string
	Value string
}

// FormState is an ordered list of fields, unique by name. Order is kept
// for the wire encoding.
type FormState struct {
	fields []Field
}

// New builds a state from pairs; later duplicates replace earlier values in place.
func New(fields ...Field) *FormState {
	s := &FormState{}
	for _, f := range fields {
		s.Set(f.Name, f.Value)
	}
	return s
}

func (s *FormState) index(name string) int {
	return slices.IndexFunc(s.fields, func(f Field) bool { return f.Name == name })
}

// Get returns the value for name.
func (s *FormState) Get(name string) (string, bool) {
	if s == nil {
		return "", false
	}
	if i := s.index(name); i >= 0 {
		return s.fields[i].Value, true
	}
	return "", false
}

// Set replaces the value of an existing field in place or appends a new one.
func (s *FormState) Set(name, value string) {
	if i := s.index(name); i >= 0 {
		s.fields[i].Value = value
		return
	}
	s.fields = append(s.fields, Field{Name: name, Value: value})
}

// Delete removes name if present.
func (s *FormState) Delete(name string) {
	if i := s.index(name); i >= 0 {
		s.fields = slices.Delete(s.fields, i, i+1)
	}
}

// Len returns the number of fields.
func (s *FormState) Len() int {
	if s == nil {
		return 0
	}
	return len(s.fields)
}

// Fields returns a copy of the ordered fields.
func (s *FormState) Fields() []Field {
	if s == nil {
		return nil
	}
	return slices.Clone(s.fields)
}

// Names returns field names in submission order.
func (s *FormState) Names() []string {
	names := make([]string, 0, s.Len())
	for _, f := range s.Fields() {
		names = append(names, f.Name)
	}
	return names
}

// Clone returns an independent copy.
func (s *FormState) Clone() *FormState {
	return &FormState{fields: s.Fields()}
}

// Encode renders the state as an application/x-www-form-urlencoded body,
// preserving field order.
func (s *FormState) Encode() string {
	var b strings.Builder
	for i, f := range s.Fields() {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(f.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.Value))
	}
	return b.String()
}

// ApplyOverrides returns a copy of state with the named fields replaced.
// Existing fields keep their position; names the form did not carry are
// appended in sorted order. Untouched fields are never dropped.
func ApplyOverrides(state *FormState, overrides map[string]string) *FormState {
	out := state.Clone()
	var missing []string
	for name, value := range overrides {
		if i := out.index(name); i >= 0 {
			out.fields[i].Value = value
			continue
		}
		missing = append(missing, name)
	}
	slices.Sort(missing)
	for _, name := range missing {
		out.fields = append(out.fields, Field{Name: name, Value: overrides[name]})
	}
	return out
}
