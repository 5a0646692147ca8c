// Package schema holds the document schema shared by index writers and
// queriers. The registry is append-only: fields can be added while classes
// are registered, never removed or re-typed.
package schema

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrSchemaFrozen is returned when a new field is added once the index store
// has been opened
var ErrSchemaFrozen = errors.New("schema is frozen")

// Kind identifies how a field is analysed and stored
type Kind int

const (
	KindIdentifier Kind = iota + 1
	KindNumeric
	KindKeyword
	KindText
	KindEdgeNgram
	KindDateTime
	KindPath
)

func (k Kind) String() string {
	switch k {
	case KindIdentifier:
		return "identifier"
	case KindNumeric:
		return "numeric"
	case KindKeyword:
		return "keyword"
	case KindText:
		return "text"
	case KindEdgeNgram:
		return "text-edge-ngram"
	case KindDateTime:
		return "datetime"
	case KindPath:
		return "path"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Field describes one schema field
type Field struct {
	Kind     Kind
	Stored   bool
	Unique   bool
	Signed   bool
	Bits     int
	Sortable bool
	MinGram  int
	MaxGram  int
}

// Identifier is a stored, untokenised value
func Identifier(unique bool) Field {
	return Field{Kind: KindIdentifier, Stored: true, Unique: unique}
}

// Numeric is a stored number
func Numeric(signed bool, bits int) Field {
	return Field{Kind: KindNumeric, Stored: true, Signed: signed, Bits: bits, Sortable: true}
}

// Keyword is a stored list of whitespace separated tokens
func Keyword() Field {
	return Field{Kind: KindKeyword, Stored: true}
}

// Text is analysed with accent folding and lowercasing
func Text(stored bool) Field {
	return Field{Kind: KindText, Stored: stored}
}

// EdgeNgram indexes prefixes of min..max runes anchored at the start of tokens
func EdgeNgram(min, max int) Field {
	return Field{Kind: KindEdgeNgram, MinGram: min, MaxGram: max}
}

// DateTime is stored and sortable
func DateTime() Field {
	return Field{Kind: KindDateTime, Stored: true, Sortable: true}
}

// Path tokenises slash separated hierarchies
func Path() Field {
	return Field{Kind: KindPath, Stored: true}
}

// DefaultText is the descriptor given to fields referenced by an adapter
// without an explicit descriptor
func DefaultText() Field {
	return Text(true)
}

// Field names every document carries
const (
	FieldObjectKey            = "object_key"
	FieldObjectType           = "object_type"
	FieldID                   = "id"
	FieldAllowedRolesAndUsers = "allowed_roles_and_users"
)

type pattern struct {
	suffix string
	field  Field
}

// Registry is the ordered field name -> descriptor mapping
type Registry struct {
	mu       sync.RWMutex
	names    []string
	fields   map[string]Field
	patterns []pattern
	frozen   bool
}

// NewRegistry returns an empty registry with the dynamic field patterns
func NewRegistry() *Registry {
	return &Registry{
		fields: make(map[string]Field),
		patterns: []pattern{
			{suffix: "_prefix", field: EdgeNgram(2, 6)},
			{suffix: "_at", field: DateTime()},
		},
	}
}

// Default returns the registry preconfigured with the platform fields
func Default() *Registry {
	r := NewRegistry()
	defaults := []struct {
		name  string
		field Field
	}{
		{FieldObjectKey, Identifier(true)},
		{FieldID, Numeric(false, 64)},
		{FieldObjectType, Identifier(false)},
		{"creator", Identifier(false)},
		{"owner", Identifier(false)},
		{FieldAllowedRolesAndUsers, Keyword()},
		{"tag_ids", Keyword()},
		{"tag_text", Text(true)},
		{"parent_ids", Path()},
		{"name", Text(true)},
		{"slug", Identifier(false)},
		{"description", Text(true)},
		{"text", Text(false)},
	}
	for _, d := range defaults {
		r.names = append(r.names, d.name)
		r.fields[d.name] = d.field
	}
	return r
}

// Add adds a field. Re-adding an identical descriptor is a no-op; changing
// the descriptor of an existing field is refused.
func (r *Registry) Add(name string, f Field) error {
	if name == "" {
		return errors.New("schema: empty field name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.fields[name]; ok {
		if existing == f {
			return nil
		}
		return fmt.Errorf("schema: field %q already defined as %s", name, existing.Kind)
	}
	if r.frozen {
		return fmt.Errorf("add field %q: %w", name, ErrSchemaFrozen)
	}

	r.names = append(r.names, name)
	r.fields[name] = f
	return nil
}

// Lookup returns the descriptor of name, resolving dynamic patterns
func (r *Registry) Lookup(name string) (Field, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if f, ok := r.fields[name]; ok {
		return f, true
	}
	return r.matchPattern(name)
}

// PatternField returns the descriptor a dynamic pattern assigns to name
func (r *Registry) PatternField(name string) (Field, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchPattern(name)
}

func (r *Registry) matchPattern(name string) (Field, bool) {
	for _, p := range r.patterns {
		if strings.HasSuffix(name, p.suffix) && len(name) > len(p.suffix) {
			return p.field, true
		}
	}
	return Field{}, false
}

// Defined reports whether name was added explicitly
func (r *Registry) Defined(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.fields[name]
	return ok
}

// Has reports whether name resolves to a field
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns explicit field names in insertion order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Freeze refuses further additions
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
