package model

import (
	"fmt"
	"sort"
	"sync"

	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
)

// FieldSpec names a schema field a column is indexed into. A nil Field
// means the default text descriptor.
type FieldSpec struct {
	Name  string
	Field *schema.Field
}

// To is a shorthand for a FieldSpec with an explicit descriptor
func To(name string, f schema.Field) FieldSpec {
	return FieldSpec{Name: name, Field: &f}
}

// Column is a persisted attribute
type Column struct {
	Name string
	// SQLName defaults to Name, SQLType to TEXT
	SQLName    string
	SQLType    string
	Searchable bool
	IndexTo    []FieldSpec
}

// ColumnName returns the SQL column name
func (c Column) ColumnName() string {
	if c.SQLName != "" {
		return c.SQLName
	}
	return c.Name
}

// IndexTo projects an attribute path into one or more fields. Path may be
// dotted to traverse relationships, e.g. "folder.name".
type IndexTo struct {
	Path   string
	Fields []string
}

// RelationKind is the cardinality of a relationship
type RelationKind int

const (
	ManyToOne RelationKind = iota
	ManyToMany
)

// Relation links a class to another one
type Relation struct {
	Name   string
	Target string
	Kind   RelationKind
	// Column is the foreign key for ManyToOne
	Column string
	// JoinTable, JoinColumn and TargetColumn describe ManyToMany links
	JoinTable    string
	JoinColumn   string
	TargetColumn string
}

// Class describes a domain class. Subclasses name their base in Parent and
// inherit its columns, relations and directives.
type Class struct {
	Name      string
	Label     string
	Parent    string
	Indexable bool
	Table     string
	Columns   []Column
	IndexTo   []IndexTo
	Relations []Relation
}

// BaseIndexTo are the directives every content class inherits
var BaseIndexTo = []IndexTo{
	{Path: "creator", Fields: []string{"creator"}},
	{Path: "owner", Fields: []string{"owner"}},
	{Path: "allowed_roles_and_users", Fields: []string{schema.FieldAllowedRolesAndUsers}},
	{Path: "tags.id", Fields: []string{"tag_ids"}},
	{Path: "tags.label", Fields: []string{"tag_text", "text"}},
}

// ClassRegistry is the set of known domain classes
type ClassRegistry struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

// NewClassRegistry creates an empty class registry
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{classes: make(map[string]*Class)}
}

// Register adds classes. A parent must be registered before its subclasses.
func (r *ClassRegistry) Register(classes ...*Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range classes {
		if c.Name == "" {
			return fmt.Errorf("class without a name")
		}
		if _, exists := r.classes[c.Name]; exists {
			return fmt.Errorf("class %s already registered", c.Name)
		}
		if c.Parent != "" {
			if _, ok := r.classes[c.Parent]; !ok {
				return fmt.Errorf("class %s: parent %s: %w", c.Name, c.Parent, ErrUnknownClass)
			}
		}
		r.classes[c.Name] = c
	}
	return nil
}

// Get returns a class by name
func (r *ClassRegistry) Get(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// All returns classes sorted by name
func (r *ClassRegistry) All() []*Class {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Class, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Indexable returns the indexable classes sorted by name
func (r *ClassRegistry) Indexable() []*Class {
	var out []*Class
	for _, c := range r.All() {
		if c.Indexable {
			out = append(out, c)
		}
	}
	return out
}

// Lineage returns the class and its ancestors, root first
func (r *ClassRegistry) Lineage(name string) ([]*Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chain []*Class
	for name != "" {
		c, ok := r.classes[name]
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, ErrUnknownClass)
		}
		chain = append([]*Class{c}, chain...)
		name = c.Parent
	}
	return chain, nil
}

// IsA reports whether class name is base or one of its subclasses
func (r *ClassRegistry) IsA(name, base string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name != "" {
		if name == base {
			return true
		}
		c, ok := r.classes[name]
		if !ok {
			return false
		}
		name = c.Parent
	}
	return false
}

// Descendants returns name and every registered subclass of it, sorted
func (r *ClassRegistry) Descendants(name string) []string {
	var out []string
	for _, c := range r.All() {
		if r.IsA(c.Name, name) {
			out = append(out, c.Name)
		}
	}
	return out
}

// Table returns the table storing rows of name, inherited from its ancestors
func (r *ClassRegistry) Table(name string) (string, error) {
	lineage, err := r.Lineage(name)
	if err != nil {
		return "", err
	}
	for i := len(lineage) - 1; i >= 0; i-- {
		if lineage[i].Table != "" {
			return lineage[i].Table, nil
		}
	}
	return "", fmt.Errorf("class %s has no table", name)
}

// Columns returns the columns of name including inherited ones
func (r *ClassRegistry) Columns(name string) ([]Column, error) {
	lineage, err := r.Lineage(name)
	if err != nil {
		return nil, err
	}
	var cols []Column
	for _, c := range lineage {
		cols = append(cols, c.Columns...)
	}
	return cols, nil
}

// Relations returns the relations of name including inherited ones
func (r *ClassRegistry) Relations(name string) ([]Relation, error) {
	lineage, err := r.Lineage(name)
	if err != nil {
		return nil, err
	}
	var rels []Relation
	for _, c := range lineage {
		rels = append(rels, c.Relations...)
	}
	return rels, nil
}

// Label returns the human label of a class, its name when unset
func (r *ClassRegistry) Label(name string) string {
	if c, ok := r.Get(name); ok && c.Label != "" {
		return c.Label
	}
	return name
}
