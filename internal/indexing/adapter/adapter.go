// Package adapter projects domain entities into index documents. One adapter
// is built per class from its searchable columns and index_to directives.
package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
)

// ValueProvider may rewrite a built document. Returning nil keeps the
// document unchanged.
type ValueProvider func(doc model.Document, e model.Entity) model.Document

// Adapter builds documents for one class
type Adapter struct {
	class     string
	indexable bool
	// fields in declaration order, each fed by one or more attribute paths
	fields []string
	paths  map[string][]string
	schema *schema.Registry
}

// Class returns the class the adapter builds documents for
func (a *Adapter) Class() string { return a.class }

// Indexable reports whether instances of the class are indexed
func (a *Adapter) Indexable() bool { return a.indexable }

// Fields returns the document fields the adapter fills
func (a *Adapter) Fields() []string {
	out := make([]string, len(a.fields))
	copy(out, a.fields)
	return out
}

// Paths returns the attribute paths feeding field
func (a *Adapter) Paths(field string) []string {
	return append([]string(nil), a.paths[field]...)
}

func (a *Adapter) addPath(field, path string) {
	existing, ok := a.paths[field]
	if !ok {
		a.fields = append(a.fields, field)
	}
	for _, p := range existing {
		if p == path {
			return
		}
	}
	a.paths[field] = append(existing, path)
}

// Registry holds the adapter of every registered class
type Registry struct {
	schema  *schema.Registry
	classes *model.ClassRegistry

	mu        sync.RWMutex
	adapters  map[string]*Adapter
	providers []ValueProvider
}

// NewRegistry creates an adapter registry writing into s
func NewRegistry(s *schema.Registry, classes *model.ClassRegistry) *Registry {
	return &Registry{
		schema:   s,
		classes:  classes,
		adapters: make(map[string]*Adapter),
	}
}

// Schema returns the schema the adapters write into
func (r *Registry) Schema() *schema.Registry { return r.schema }

// Label returns the human label of class
func (r *Registry) Label(class string) string { return r.classes.Label(class) }

// Register builds and caches the adapter of class. Fields the adapter
// references that the schema lacks are added to it.
func (r *Registry) Register(class string) (*Adapter, error) {
	r.mu.RLock()
	if a, ok := r.adapters[class]; ok {
		r.mu.RUnlock()
		return a, nil
	}
	r.mu.RUnlock()

	lineage, err := r.classes.Lineage(class)
	if err != nil {
		return nil, err
	}
	leaf := lineage[len(lineage)-1]

	a := &Adapter{
		class:     class,
		indexable: leaf.Indexable,
		paths:     make(map[string][]string),
		schema:    r.schema,
	}

	for _, c := range lineage {
		for _, col := range c.Columns {
			if !col.Searchable {
				continue
			}
			specs := col.IndexTo
			if len(specs) == 0 {
				specs = []model.FieldSpec{{Name: col.Name}}
			}
			for _, spec := range specs {
				if err := r.ensureField(spec.Name, spec.Field); err != nil {
					return nil, fmt.Errorf("class %s column %s: %w", class, col.Name, err)
				}
				a.addPath(spec.Name, col.Name)
			}
		}
		for _, directive := range c.IndexTo {
			for _, field := range directive.Fields {
				if err := r.ensureField(field, nil); err != nil {
					return nil, fmt.Errorf("class %s path %s: %w", class, directive.Path, err)
				}
				a.addPath(field, directive.Path)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.adapters[class]; ok {
		return existing, nil
	}
	r.adapters[class] = a
	return a, nil
}

func (r *Registry) ensureField(name string, descriptor *schema.Field) error {
	if descriptor != nil {
		return r.schema.Add(name, *descriptor)
	}
	if r.schema.Defined(name) {
		return nil
	}
	if f, ok := r.schema.PatternField(name); ok {
		return r.schema.Add(name, f)
	}
	return r.schema.Add(name, schema.DefaultText())
}

// RegisterAll registers every class known to the class registry
func (r *Registry) RegisterAll() error {
	for _, c := range r.classes.All() {
		if _, err := r.Register(c.Name); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the adapter of class
func (r *Registry) Get(class string) (*Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[class]
	return a, ok
}

// IsIndexable reports whether class has an indexable adapter
func (r *Registry) IsIndexable(class string) bool {
	a, ok := r.Get(class)
	return ok && a.indexable
}

// IndexedClasses returns the names of indexable classes, sorted
func (r *Registry) IndexedClasses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name, a := range r.adapters {
		if a.indexable {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Unregister drops the adapter of class
func (r *Registry) Unregister(class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, class)
}

// Clear drops every adapter and value provider
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = make(map[string]*Adapter)
	r.providers = nil
}

// RegisterValueProvider appends a document hook run by BuildDocument
func (r *Registry) RegisterValueProvider(p ValueProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// BuildDocument projects e through its class adapter and the value providers
func (r *Registry) BuildDocument(e model.Entity) (model.Document, error) {
	a, ok := r.Get(e.ObjectType())
	if !ok {
		return nil, fmt.Errorf("%s: %w", e.ObjectType(), model.ErrAdapterUnknown)
	}
	doc := a.BuildDocument(e)

	r.mu.RLock()
	providers := r.providers
	r.mu.RUnlock()

	for _, p := range providers {
		if next := p(doc, e); next != nil {
			doc = next
		}
	}
	return doc, nil
}
