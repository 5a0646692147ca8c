package model

import (
	"fmt"
	"strconv"
	"time"
)

// Entity is a persisted domain object the indexer can project into a
// document
type Entity interface {
	// ObjectType returns the fully qualified class name of the concrete type
	ObjectType() string
	// PrimaryKey returns the row id, 0 when the entity has no identity yet
	PrimaryKey() uint64
	// Attr returns the value of a column or relationship
	Attr(name string) (interface{}, bool)
}

// ObjectKey returns the unique document key of class:pk
func ObjectKey(class string, pk uint64) string {
	return class + ":" + strconv.FormatUint(pk, 10)
}

// EntityKey returns the object key of e
func EntityKey(e Entity) string {
	return ObjectKey(e.ObjectType(), e.PrimaryKey())
}

// Record is a generic entity loaded from the relational store. Relationship
// attributes hold *Record or []*Record values.
type Record struct {
	Class     string
	PK        uint64
	Attrs     map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord creates a record of class with the given attributes
func NewRecord(class string, pk uint64, attrs map[string]interface{}) *Record {
	if attrs == nil {
		attrs = make(map[string]interface{})
	}
	return &Record{Class: class, PK: pk, Attrs: attrs}
}

func (r *Record) ObjectType() string { return r.Class }

func (r *Record) PrimaryKey() uint64 { return r.PK }

// Attr returns id, created_at, updated_at or a stored attribute
func (r *Record) Attr(name string) (interface{}, bool) {
	switch name {
	case "id":
		return r.PK, true
	case "created_at":
		if r.CreatedAt.IsZero() {
			return nil, false
		}
		return r.CreatedAt, true
	case "updated_at":
		if r.UpdatedAt.IsZero() {
			return nil, false
		}
		return r.UpdatedAt, true
	}
	v, ok := r.Attrs[name]
	return v, ok
}

// Set assigns an attribute
func (r *Record) Set(name string, value interface{}) {
	r.Attrs[name] = value
}

// Clone returns a shallow copy of the record
func (r *Record) Clone() *Record {
	attrs := make(map[string]interface{}, len(r.Attrs))
	for k, v := range r.Attrs {
		attrs[k] = v
	}
	return &Record{
		Class:     r.Class,
		PK:        r.PK,
		Attrs:     attrs,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r *Record) String() string {
	return fmt.Sprintf("<%s id=%d>", r.Class, r.PK)
}
