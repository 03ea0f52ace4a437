// Package assignment defines the unit of dispatched work and its wire envelope.
//
// Every channel store entry carries exactly one field, DataField, whose value
// is the JSON envelope {id, type, payload, dispatched_at}.
package assignment

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/internal/runtime/jsoncodec"
	"github.com/drblury/assignflow/transport"
)

// DataField names the single field of a channel store entry.
const DataField = transport.DataField

// Type selects the topic, consumer group and handler of an assignment.
type Type string

const (
	Grid      Type = "grid"
	Embedding Type = "embedding"
	Vision    Type = "vision"
	Temporal  Type = "temporal"
	Entity    Type = "entity"
	Summary   Type = "summary"
)

// Types returns the built-in enumeration in declaration order.
func Types() []Type {
	return []Type{Grid, Embedding, Vision, Temporal, Entity, Summary}
}

// Valid reports whether t belongs to the built-in enumeration.
func (t Type) Valid() bool {
	return slices.Contains(Types(), t)
}

func (t Type) String() string { return string(t) }

// TypeSet is the registered enumeration a Dispatcher or worker accepts. It
// starts from the built-in types and can be extended at process start.
type TypeSet struct {
	types []Type
}

// DefaultTypeSet returns the built-in enumeration.
func DefaultTypeSet() *TypeSet {
	return NewTypeSet(Types()...)
}

// NewTypeSet builds a set from the given types, dropping blanks and duplicates.
func NewTypeSet(types ...Type) *TypeSet {
	s := &TypeSet{}
	s.Add(types...)
	return s
}

// Add registers extra types.
func (s *TypeSet) Add(types ...Type) {
	for _, t := range types {
		t = Type(strings.TrimSpace(string(t)))
		if t == "" || slices.Contains(s.types, t) {
			continue
		}
		s.types = append(s.types, t)
	}
}

// Has reports whether t is registered.
func (s *TypeSet) Has(t Type) bool {
	return s != nil && slices.Contains(s.types, t)
}

// List returns a copy of the registered types.
func (s *TypeSet) List() []Type {
	if s == nil {
		return nil
	}
	return slices.Clone(s.types)
}

// Names returns the registered types as strings.
func (s *TypeSet) Names() []string {
	names := make([]string, 0, len(s.List()))
	for _, t := range s.List() {
		names = append(names, string(t))
	}
	return names
}

// Parse resolves a raw type name against the set. Unknown names yield an
// *errors.UnknownAssignmentTypeError listing the enumeration.
func (s *TypeSet) Parse(raw string) (Type, error) {
	t := Type(strings.TrimSpace(raw))
	if !s.Has(t) {
		return "", &errspkg.UnknownAssignmentTypeError{Type: raw, Known: s.Names()}
	}
	return t, nil
}

// ParseType resolves a raw type name against the built-in enumeration.
func ParseType(raw string) (Type, error) {
	return DefaultTypeSet().Parse(raw)
}

// Payload is the opaque, type-specific mapping carried by an assignment.
type Payload map[string]any

// String returns the value under key when it is a string.
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the value under key as an int. JSON numbers decode as float64,
// so those are accepted alongside native integers and numeric strings.
func (p Payload) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

// Clone returns a shallow copy so callers can enrich a payload without
// mutating a shared one.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Assignment is one unit of dispatched work. It is never mutated after the
// Dispatcher builds it.
type Assignment struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	Payload      Payload   `json:"payload"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Encode renders the envelope stored under DataField.
func Encode(a Assignment) ([]byte, error) {
	if a.Payload == nil {
		a.Payload = Payload{}
	}
	data, err := jsoncodec.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode assignment %s: %w", a.ID, err)
	}
	return data, nil
}

// Decode parses an envelope. Unparsable data and envelopes without an id or
// type wrap errors.ErrMalformedEnvelope; redelivery can never fix them.
func Decode(data []byte) (Assignment, error) {
	var a Assignment
	if len(data) == 0 {
		return a, fmt.Errorf("%w: empty entry", errspkg.ErrMalformedEnvelope)
	}
	if err := jsoncodec.Unmarshal(data, &a); err != nil {
		return Assignment{}, fmt.Errorf("%w: %v", errspkg.ErrMalformedEnvelope, err)
	}
	if a.ID == "" {
		return Assignment{}, fmt.Errorf("%w: missing id", errspkg.ErrMalformedEnvelope)
	}
	if a.Type == "" {
		return Assignment{}, fmt.Errorf("%w: missing type", errspkg.ErrMalformedEnvelope)
	}
	if a.Payload == nil {
		a.Payload = Payload{}
	}
	return a, nil
}

// Result is whatever a handler returns. Only the optional "status" field is
// inspected, for logging and failure accounting.
type Result map[string]any

// Status returns the result's status field, if any.
func (r Result) Status() string {
	if r == nil {
		return ""
	}
	s, _ := r["status"].(string)
	return s
}

// Failed reports whether the handler signalled failure through its status.
func (r Result) Failed() bool {
	switch strings.ToLower(r.Status()) {
	case "error", "failed", "failure":
		return true
	default:
		return false
	}
}
