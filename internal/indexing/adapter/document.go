package adapter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
)

// BuildDocument projects e into a document. Every attribute path is
// resolved at most once per call.
func (a *Adapter) BuildDocument(e model.Entity) model.Document {
	res := newResolver(e)
	doc := model.Document{
		schema.FieldObjectKey:  model.EntityKey(e),
		schema.FieldObjectType: e.ObjectType(),
		schema.FieldID:         e.PrimaryKey(),
	}

	for _, field := range a.fields {
		var values []interface{}
		for _, path := range a.paths[field] {
			if v, ok := res.resolve(path); ok {
				values = appendValue(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}

		if f, ok := a.schema.Lookup(field); ok && len(values) == 1 {
			if native, ok := nativeValue(f, values[0]); ok {
				doc[field] = native
				continue
			}
		}

		parts := make([]string, 0, len(values))
		for _, v := range values {
			if s := stringify(v); s != "" {
				parts = append(parts, s)
			}
		}
		if joined := strings.Join(parts, " "); joined != "" {
			doc[field] = joined
		}
	}

	if s, _ := doc[schema.FieldAllowedRolesAndUsers].(string); strings.TrimSpace(s) == "" {
		doc[schema.FieldAllowedRolesAndUsers] = model.AnonymousRole.Marker()
	}
	return doc
}

type cached struct {
	value interface{}
	ok    bool
}

// resolver walks dotted attribute paths with a positive and negative cache
type resolver struct {
	root  model.Entity
	cache map[string]cached
}

func newResolver(e model.Entity) *resolver {
	return &resolver{root: e, cache: make(map[string]cached)}
}

func (r *resolver) resolve(path string) (interface{}, bool) {
	if c, ok := r.cache[path]; ok {
		return c.value, c.ok
	}

	var (
		v  interface{}
		ok bool
	)
	if i := strings.LastIndexByte(path, '.'); i < 0 {
		v, ok = r.root.Attr(path)
	} else {
		var parent interface{}
		if parent, ok = r.resolve(path[:i]); ok {
			v, ok = attrOf(parent, path[i+1:])
		}
	}
	if ok && v == nil {
		ok = false
	}

	r.cache[path] = cached{value: v, ok: ok}
	return v, ok
}

// attrOf reads name from an entity, or from every entity of a collection
func attrOf(v interface{}, name string) (interface{}, bool) {
	switch t := v.(type) {
	case model.Entity:
		return t.Attr(name)
	case []*model.Record:
		var out []interface{}
		for _, e := range t {
			if av, ok := e.Attr(name); ok && av != nil {
				out = append(out, av)
			}
		}
		return out, len(out) > 0
	case []model.Entity:
		var out []interface{}
		for _, e := range t {
			if av, ok := e.Attr(name); ok && av != nil {
				out = append(out, av)
			}
		}
		return out, len(out) > 0
	case []interface{}:
		var out []interface{}
		for _, item := range t {
			if av, ok := attrOf(item, name); ok && av != nil {
				out = append(out, av)
			}
		}
		return out, len(out) > 0
	}
	return nil, false
}

// appendValue flattens lists into values, skipping nils
func appendValue(values []interface{}, v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return values
	case []interface{}:
		for _, item := range t {
			values = appendValue(values, item)
		}
	case []string:
		for _, item := range t {
			values = append(values, item)
		}
	case []model.Principal:
		for _, item := range t {
			values = append(values, item)
		}
	case []uint64:
		for _, item := range t {
			values = append(values, item)
		}
	default:
		values = append(values, v)
	}
	return values
}

func nativeValue(f schema.Field, v interface{}) (interface{}, bool) {
	switch f.Kind {
	case schema.KindNumeric:
		switch n := v.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			return n, true
		}
	case schema.KindDateTime:
		if t, ok := v.(time.Time); ok {
			return t, true
		}
	}
	return nil, false
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case model.Principal:
		return t.Marker()
	case model.Entity:
		return model.EntityKey(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}
