// Package content declares the CMS classes that are stored in the
// relational database and indexed for search
package content

import (
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
)

// Class names
const (
	Tag      = "content.Tag"
	Folder   = "content.Folder"
	Content  = "content.Content"
	Document = "content.Document"
	Post     = "content.Post"
)

// Post statuses
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusArchived  = "archived"
)

var (
	titleFields = []model.FieldSpec{{Name: "name"}, {Name: "name_prefix"}, {Name: "text"}}
	bodyFields  = []model.FieldSpec{{Name: "description"}, {Name: "text"}}
)

// ownership are the columns every secured class persists
var ownership = []model.Column{
	{Name: "creator"},
	{Name: "owner"},
	{Name: schema.FieldAllowedRolesAndUsers, SQLType: "TEXT[]"},
}

func withBase(extra ...model.IndexTo) []model.IndexTo {
	out := make([]model.IndexTo, 0, len(model.BaseIndexTo)+len(extra))
	out = append(out, model.BaseIndexTo...)
	return append(out, extra...)
}

func tagsRelation(joinTable, joinColumn string) model.Relation {
	return model.Relation{
		Name:         "tags",
		Target:       Tag,
		Kind:         model.ManyToMany,
		JoinTable:    joinTable,
		JoinColumn:   joinColumn,
		TargetColumn: "tag_id",
	}
}

// Classes returns the catalog, parents before subclasses. Content is the
// abstract base of documents and posts and is not indexed itself.
func Classes() []*model.Class {
	return []*model.Class{
		{
			Name:      Tag,
			Label:     "Tag",
			Indexable: true,
			Table:     "tags",
			Columns: []model.Column{
				{Name: "label", Searchable: true, IndexTo: titleFields},
			},
		},
		{
			Name:      Folder,
			Label:     "Folder",
			Indexable: true,
			Table:     "folders",
			Columns: append([]model.Column{
				{Name: "name", Searchable: true, IndexTo: titleFields},
				{Name: "description", Searchable: true, IndexTo: bodyFields},
			}, ownership...),
			IndexTo: withBase(
				model.IndexTo{Path: "parent.id", Fields: []string{"parent_ids"}},
				model.IndexTo{Path: "updated_at", Fields: []string{"modified_at"}},
			),
			Relations: []model.Relation{
				{Name: "parent", Target: Folder, Kind: model.ManyToOne, Column: "parent_id"},
				tagsRelation("folder_tags", "folder_id"),
			},
		},
		{
			Name:  Content,
			Label: "Content",
			Table: "content",
			Columns: append([]model.Column{
				{Name: "title", Searchable: true, IndexTo: titleFields},
				{Name: "summary", Searchable: true, IndexTo: bodyFields},
				{Name: "body", Searchable: true, IndexTo: []model.FieldSpec{{Name: "text"}}},
				{Name: "status", Searchable: true, IndexTo: []model.FieldSpec{model.To("status", schema.Identifier(false))}},
			}, ownership...),
			IndexTo: withBase(
				model.IndexTo{Path: "folder.name", Fields: []string{"folder_name", "text"}},
				model.IndexTo{Path: "folder.id", Fields: []string{"parent_ids"}},
				model.IndexTo{Path: "updated_at", Fields: []string{"modified_at"}},
			),
			Relations: []model.Relation{
				{Name: "folder", Target: Folder, Kind: model.ManyToOne, Column: "folder_id"},
				tagsRelation("content_tags", "content_id"),
			},
		},
		{
			Name:      Document,
			Label:     "Document",
			Parent:    Content,
			Indexable: true,
			Columns: []model.Column{
				{Name: "file_name", Searchable: true, IndexTo: []model.FieldSpec{{Name: "file_name"}, {Name: "text"}}},
				{Name: "mime_type", Searchable: true, IndexTo: []model.FieldSpec{model.To("mime_type", schema.Identifier(false))}},
			},
		},
		{
			Name:      Post,
			Label:     "Post",
			Parent:    Content,
			Indexable: true,
			Columns: []model.Column{
				{Name: "published_at", SQLType: "TIMESTAMPTZ", Searchable: true},
			},
		},
	}
}

// Register adds the catalog to classes
func Register(classes *model.ClassRegistry) error {
	return classes.Register(Classes()...)
}

// NewRegistry returns a class registry holding the catalog
func NewRegistry() (*model.ClassRegistry, error) {
	classes := model.NewClassRegistry()
	if err := Register(classes); err != nil {
		return nil, err
	}
	return classes, nil
}
