package httpmsg

import (
	"strings"
)

const (
	headerValueSeparator = "\r\n"
	headerNameSeparator  = ':'
)

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Line formats the field the way it is written on the wire.
func (f Field) Line() string {
	return f.Name + string(headerNameSeparator) + f.Value
}

// Headers is an ordered collection of header fields. Insertion order is
// preserved and is the order used for output.
type Headers struct {
	fields []Field
}

// NewHeaders returns an empty collection.
func NewHeaders() *Headers {
	return &Headers{}
}

// ParseHeaders builds a collection from raw "Name:Value" lines. Empty lines
// are skipped.
func ParseHeaders(lines []string) (*Headers, error) {
	h := &Headers{fields: make([]Field, 0, len(lines))}
	for _, line := range lines {
		if line == "" {
			continue
		}
		f, err := ParseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		h.fields = append(h.fields, f)
	}
	return h, nil
}

// ParseHeaderLine splits a raw header line on the first colon and trims
// both sides.
func ParseHeaderLine(line string) (Field, error) {
	name, value, ok := strings.Cut(line, string(headerNameSeparator))
	if !ok {
		return Field{}, newParseError("header", line, "missing ':' separator")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Field{}, newParseError("header", line, "empty header name")
	}
	return Field{Name: name, Value: strings.TrimSpace(value)}, nil
}

// Get returns the values of every field matching name case-insensitively,
// joined with CRLF in collection order. It returns "" if none match.
func (h *Headers) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup is like Get but also reports whether any field matched.
func (h *Headers) Lookup(name string) (string, bool) {
	var (
		values []string
		found  bool
	)
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
			found = true
		}
	}
	if !found {
		return "", false
	}
	return strings.Join(values, headerValueSeparator), true
}

// Set replaces the value of the first field whose name matches exactly
// (case-sensitive), or appends a new field.
func (h *Headers) Set(name, value string) {
	for i := range h.fields {
		if h.fields[i].Name == name {
			h.fields[i] = Field{Name: name, Value: value}
			return
		}
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Add appends a field without looking at existing ones.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Contains reports whether a field with the given name exists, ignoring case.
func (h *Headers) Contains(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Remove deletes the first field whose name matches exactly.
func (h *Headers) Remove(name string) bool {
	for i, f := range h.fields {
		if f.Name == name {
			h.fields = append(h.fields[:i], h.fields[i+1:]...)
			return true
		}
	}
	return false
}

// Del deletes every field matching name case-insensitively and returns how
// many were removed.
func (h *Headers) Del(name string) int {
	kept := h.fields[:0]
	removed := 0
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	h.fields = kept
	return removed
}

// Len returns the number of fields.
func (h *Headers) Len() int {
	return len(h.fields)
}

// Fields returns a copy of the fields in order.
func (h *Headers) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

// Lines formats every field as "Name:Value" in collection order.
func (h *Headers) Lines() []string {
	lines := make([]string, len(h.fields))
	for i, f := range h.fields {
		lines[i] = f.Line()
	}
	return lines
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	return &Headers{fields: h.Fields()}
}

func (h *Headers) String() string {
	return strings.Join(h.Lines(), "\n")
}
