// Package indexingtest wires the indexing components on in-memory drivers
// for package tests
package indexingtest

import (
	"context"
	"sort"
	"testing"

	"github.com/blevesearch/bleve/v2"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/contentindex/internal/indexing/adapter"
	"github.com/linkflow-ai/contentindex/internal/indexing/adapters/repository/memory"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
	"github.com/linkflow-ai/contentindex/internal/indexing/store"
	"github.com/linkflow-ai/contentindex/internal/platform/database"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
)

// Class names of the test catalog
const (
	Folder   = "test.Folder"
	Tag      = "test.Tag"
	Document = "test.Document"
	Report   = "test.Report"
	Draft    = "test.Draft"
)

// Classes returns the test catalog. Report is an indexable subclass of
// Document; Draft is not indexable.
func Classes(t testing.TB) *model.ClassRegistry {
	t.Helper()
	nameSpecs := []model.FieldSpec{{Name: "name"}, {Name: "name_prefix"}, {Name: "text"}}

	classes := model.NewClassRegistry()
	require.NoError(t, classes.Register(
		&model.Class{
			Name:  Tag,
			Label: "Tag",
			Table: "tags",
			Columns: []model.Column{
				{Name: "label"},
			},
		},
		&model.Class{
			Name:      Folder,
			Label:     "Folder",
			Indexable: true,
			Table:     "folders",
			Columns: []model.Column{
				{Name: "name", Searchable: true, IndexTo: nameSpecs},
				{Name: "allowed_roles_and_users", SQLType: "TEXT[]"},
			},
			IndexTo: model.BaseIndexTo,
		},
		&model.Class{
			Name:      Document,
			Label:     "Document",
			Indexable: true,
			Table:     "documents",
			Columns: []model.Column{
				{Name: "title", Searchable: true, IndexTo: nameSpecs},
				{Name: "body", Searchable: true, IndexTo: []model.FieldSpec{{Name: "description"}, {Name: "text"}}},
				{Name: "allowed_roles_and_users", SQLType: "TEXT[]"},
			},
			IndexTo: append([]model.IndexTo{
				{Path: "folder.name", Fields: []string{"folder_name", "text"}},
			}, model.BaseIndexTo...),
			Relations: []model.Relation{
				{Name: "folder", Target: Folder, Kind: model.ManyToOne, Column: "folder_id"},
			},
		},
		&model.Class{
			Name:      Report,
			Label:     "Report",
			Parent:    Document,
			Indexable: true,
			Columns: []model.Column{
				{Name: "quarter", Searchable: true, IndexTo: []model.FieldSpec{{Name: "quarter"}, {Name: "text"}}},
			},
		},
		&model.Class{
			Name:  Draft,
			Table: "drafts",
			Columns: []model.Column{
				{Name: "title", Searchable: true},
			},
		},
	))
	return classes
}

// Env is a fully wired in-memory indexing stack
type Env struct {
	Classes  *model.ClassRegistry
	Schema   *schema.Registry
	Adapters *adapter.Registry
	Stores   *store.Manager
	Entities *memory.EntityRepository
	Roles    *memory.RoleRepository
	TxM      *database.TxManager
	Logger   logger.Logger
}

// NewEnv registers the test catalog and opens the default index in memory
func NewEnv(t testing.TB) *Env {
	t.Helper()
	return NewEnvWith(t, Classes(t), []string{store.DefaultIndex})
}

// NewEnvWith wires classes and opens the named in-memory indexes
func NewEnvWith(t testing.TB, classes *model.ClassRegistry, indexes []string) *Env {
	t.Helper()
	log := logger.NewNop()
	s := schema.Default()
	adapters := adapter.NewRegistry(s, classes)
	require.NoError(t, adapters.RegisterAll())

	stores := store.NewManager("", indexes, s, log)
	require.NoError(t, stores.Open(context.Background()))
	t.Cleanup(func() { _ = stores.Close() })

	return &Env{
		Classes:  classes,
		Schema:   s,
		Adapters: adapters,
		Stores:   stores,
		Entities: memory.NewEntityRepository(classes),
		Roles:    memory.NewRoleRepository(),
		TxM:      database.NewTxManager(nil),
		Logger:   log,
	}
}

// Index returns the named index
func (e *Env) Index(t testing.TB, name string) *store.Index {
	t.Helper()
	idx, err := e.Stores.Index(name)
	require.NoError(t, err)
	return idx
}

// Save persists records in one transaction
func (e *Env) Save(t testing.TB, ctx context.Context, recs ...*model.Record) {
	t.Helper()
	require.NoError(t, e.TxM.Transaction(ctx, func(tx *database.Tx) error {
		for _, rec := range recs {
			if err := e.Entities.Save(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	}))
}

// Delete removes records in one transaction
func (e *Env) Delete(t testing.TB, ctx context.Context, recs ...*model.Record) {
	t.Helper()
	require.NoError(t, e.TxM.Transaction(ctx, func(tx *database.Tx) error {
		for _, rec := range recs {
			if err := e.Entities.Delete(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	}))
}

// Keys returns the sorted object keys stored in the named index
func (e *Env) Keys(t testing.TB, name string) []string {
	t.Helper()
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 10000, 0, false)
	res, err := e.Index(t, name).Search(context.Background(), req)
	require.NoError(t, err)

	keys := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		keys = append(keys, hit.ID)
	}
	sort.Strings(keys)
	return keys
}

// Public returns a record readable by anonymous users
func Public(class string, attrs map[string]interface{}) *model.Record {
	if attrs == nil {
		attrs = make(map[string]interface{})
	}
	if _, ok := attrs["allowed_roles_and_users"]; !ok {
		attrs["allowed_roles_and_users"] = []string{model.AnonymousRole.Marker()}
	}
	return model.NewRecord(class, 0, attrs)
}
