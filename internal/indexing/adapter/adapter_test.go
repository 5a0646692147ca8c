package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
)

func testClasses(t *testing.T) *model.ClassRegistry {
	t.Helper()
	classes := model.NewClassRegistry()
	require.NoError(t, classes.Register(
		&model.Class{
			Name:  "test.Tag",
			Table: "tags",
			Columns: []model.Column{
				{Name: "label"},
			},
		},
		&model.Class{
			Name:      "test.Folder",
			Indexable: true,
			Table:     "folders",
			Columns: []model.Column{
				{Name: "name", Searchable: true, IndexTo: []model.FieldSpec{{Name: "name"}, {Name: "name_prefix"}, {Name: "text"}}},
			},
			IndexTo: model.BaseIndexTo,
		},
		&model.Class{
			Name:      "test.Document",
			Indexable: true,
			Table:     "documents",
			Columns: []model.Column{
				{Name: "title", Searchable: true, IndexTo: []model.FieldSpec{{Name: "name"}, {Name: "text"}}},
				{Name: "body", Searchable: true, IndexTo: []model.FieldSpec{{Name: "text"}}},
				{Name: "summary", Searchable: true},
				{Name: "page_count", Searchable: true, IndexTo: []model.FieldSpec{model.To("page_count", schema.Numeric(false, 32))}},
				{Name: "published_at", Searchable: true, IndexTo: []model.FieldSpec{{Name: "published_at"}}},
			},
			IndexTo: append([]model.IndexTo{
				{Path: "folder.name", Fields: []string{"folder_name", "text"}},
				{Path: "folder.missing.name", Fields: []string{"ghost"}},
			}, model.BaseIndexTo...),
		},
	))
	return classes
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(schema.Default(), testClasses(t))
	require.NoError(t, r.RegisterAll())
	return r
}

func TestRegisterAddsMissingFields(t *testing.T) {
	r := newTestRegistry(t)
	s := r.Schema()

	f, ok := s.Lookup("summary")
	require.True(t, ok)
	assert.Equal(t, schema.DefaultText(), f)

	f, ok = s.Lookup("page_count")
	require.True(t, ok)
	assert.Equal(t, schema.KindNumeric, f.Kind)

	assert.True(t, s.Defined("name_prefix"), "pattern fields become explicit")
	f, _ = s.Lookup("published_at")
	assert.Equal(t, schema.KindDateTime, f.Kind)

	assert.False(t, r.IsIndexable("test.Tag"))
	assert.Equal(t, []string{"test.Document", "test.Folder"}, r.IndexedClasses())
}

func TestRegisterRejectsRetypedField(t *testing.T) {
	classes := model.NewClassRegistry()
	require.NoError(t, classes.Register(&model.Class{
		Name:      "test.Bad",
		Indexable: true,
		Columns: []model.Column{
			{Name: "name", Searchable: true, IndexTo: []model.FieldSpec{model.To("name", schema.Keyword())}},
		},
	}))
	r := NewRegistry(schema.Default(), classes)

	_, err := r.Register("test.Bad")
	assert.Error(t, err)
}

func TestRegisterAfterFreeze(t *testing.T) {
	classes := testClasses(t)
	s := schema.Default()
	s.Freeze()

	_, err := NewRegistry(s, classes).Register("test.Document")
	assert.ErrorIs(t, err, schema.ErrSchemaFrozen)
}

func TestBuildDocument(t *testing.T) {
	r := newTestRegistry(t)

	folder := model.NewRecord("test.Folder", 3, map[string]interface{}{"name": "Reports"})
	tags := []*model.Record{
		model.NewRecord("test.Tag", 7, map[string]interface{}{"label": "urgent"}),
		model.NewRecord("test.Tag", 8, map[string]interface{}{"label": "q3"}),
	}
	published := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := model.NewRecord("test.Document", 42, map[string]interface{}{
		"title":        "Quarterly report",
		"body":         []string{"revenue", "growth"},
		"summary":      nil,
		"page_count":   12,
		"published_at": published,
		"folder":       folder,
		"tags":         tags,
		"creator":      model.User{ID: 5},
		"owner":        model.User{ID: 6},
		"allowed_roles_and_users": []model.Principal{
			model.Role{Name: "staff"},
			model.User{ID: 5},
			model.Group{ID: 2},
		},
	})

	got, err := r.BuildDocument(doc)
	require.NoError(t, err)

	assert.Equal(t, "test.Document:42", got.ObjectKey())
	assert.Equal(t, "test.Document", got.ObjectType())
	assert.Equal(t, uint64(42), got[schema.FieldID])
	assert.Equal(t, "Quarterly report", got["name"])
	assert.Equal(t, "Quarterly report revenue growth Reports urgent q3", got["text"])
	assert.Equal(t, "Reports", got["folder_name"])
	assert.Equal(t, 12, got["page_count"])
	assert.Equal(t, published, got["published_at"])
	assert.Equal(t, "user:5", got["creator"])
	assert.Equal(t, "user:6", got["owner"])
	assert.Equal(t, "7 8", got["tag_ids"])
	assert.Equal(t, "urgent q3", got["tag_text"])
	assert.Equal(t, "role:staff user:5 group:2", got[schema.FieldAllowedRolesAndUsers])

	assert.NotContains(t, got, "summary", "nil values are omitted")
	assert.NotContains(t, got, "ghost", "missing intermediate attributes are absent")
}

func TestBuildDocumentDefaultsToAnonymous(t *testing.T) {
	r := newTestRegistry(t)

	got, err := r.BuildDocument(model.NewRecord("test.Folder", 1, map[string]interface{}{"name": "Public"}))
	require.NoError(t, err)

	assert.Equal(t, "role:anonymous", got[schema.FieldAllowedRolesAndUsers])
	assert.Equal(t, "Public", got["name_prefix"])
	assert.NotContains(t, got, "tag_ids")
}

func TestBuildDocumentUnknownClass(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.BuildDocument(model.NewRecord("test.Unknown", 1, nil))
	assert.ErrorIs(t, err, model.ErrAdapterUnknown)
}

func TestValueProviders(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterValueProvider(func(doc model.Document, e model.Entity) model.Document {
		return nil
	})
	r.RegisterValueProvider(func(doc model.Document, e model.Entity) model.Document {
		next := doc.Clone()
		next["slug"] = "folder-" + doc.ObjectKey()
		return next
	})

	got, err := r.BuildDocument(model.NewRecord("test.Folder", 9, map[string]interface{}{"name": "x"}))
	require.NoError(t, err)
	assert.Equal(t, "folder-test.Folder:9", got["slug"])
}

type countingEntity struct {
	*model.Record
	calls map[string]int
}

func (c *countingEntity) Attr(name string) (interface{}, bool) {
	c.calls[name]++
	return c.Record.Attr(name)
}

func TestResolverCachesLookups(t *testing.T) {
	e := &countingEntity{
		Record: model.NewRecord("test.Document", 1, map[string]interface{}{"title": "t"}),
		calls:  make(map[string]int),
	}
	res := newResolver(e)

	for i := 0; i < 3; i++ {
		v, ok := res.resolve("title")
		assert.True(t, ok)
		assert.Equal(t, "t", v)

		_, ok = res.resolve("folder.name")
		assert.False(t, ok)
	}
	assert.Equal(t, 1, e.calls["title"])
	assert.Equal(t, 1, e.calls["folder"], "failed lookups are cached too")
}

func TestObjectKeyRoundtrip(t *testing.T) {
	r := newTestRegistry(t)

	for _, pk := range []uint64{1, 77, 1 << 40} {
		got, err := r.BuildDocument(model.NewRecord("test.Folder", pk, nil))
		require.NoError(t, err)
		assert.Equal(t, model.ObjectKey("test.Folder", pk), got.ObjectKey())
		assert.Equal(t, pk, got[schema.FieldID])
	}
}
