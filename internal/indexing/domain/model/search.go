package model

import (
	"encoding/json"

	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
)

// Document is the flat attribute mapping stored in the index
type Document map[string]interface{}

// Clone returns a shallow copy of d
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// ObjectKey returns the object_key field
func (d Document) ObjectKey() string {
	s, _ := d[schema.FieldObjectKey].(string)
	return s
}

// ObjectType returns the object_type field
func (d Document) ObjectType() string {
	s, _ := d[schema.FieldObjectType].(string)
	return s
}

// Hit is a search result: the stored fields of a matched document
type Hit struct {
	Fields map[string]interface{}
	Score  float64
}

func (h Hit) str(name string) string {
	s, _ := h.Fields[name].(string)
	return s
}

// ObjectKey returns the hit's object_key
func (h Hit) ObjectKey() string { return h.str(schema.FieldObjectKey) }

// ObjectType returns the hit's object_type
func (h Hit) ObjectType() string { return h.str(schema.FieldObjectType) }

// ID returns the primary key of the matched entity
func (h Hit) ID() uint64 {
	switch v := h.Fields[schema.FieldID].(type) {
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case uint64:
		return v
	case int64:
		return uint64(v)
	case int:
		return uint64(v)
	}
	return 0
}

// MarshalJSON flattens the stored fields alongside the score
func (h Hit) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(h.Fields)+1)
	for k, v := range h.Fields {
		out[k] = v
	}
	if _, ok := out[schema.FieldID]; ok {
		out[schema.FieldID] = h.ID()
	}
	out["_score"] = h.Score
	return json.Marshal(out)
}

// SearchResult is the outcome of a search. Exactly one of Hits or Facets is
// populated.
type SearchResult struct {
	Total  uint64           `json:"total"`
	Hits   []Hit            `json:"hits,omitempty"`
	Facets map[string][]Hit `json:"facets,omitempty"`
	// FacetOrder lists facet keys in the order of their best hit
	FacetOrder []string `json:"facet_order,omitempty"`
	TookMs     int64    `json:"took_ms"`
}

// ObjectType is a type present in the index with its human label
type ObjectType struct {
	Name  string
	Label string
}

// MarshalJSON encodes the pair as [name, label]
func (o ObjectType) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{o.Name, o.Label})
}
