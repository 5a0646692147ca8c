package query

import (
	"context"
	"testing"

	"github.com/blevesearch/bleve/v2"
	bq "github.com/blevesearch/bleve/v2/search/query"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/indexingtest"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
	"github.com/linkflow-ai/contentindex/internal/indexing/security"
	"github.com/linkflow-ai/contentindex/internal/indexing/store"
	"github.com/linkflow-ai/contentindex/internal/platform/config"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
)

func newService(env *indexingtest.Env, opts ...ServiceOption) *Service {
	return NewService(env.Stores, env.Adapters, env.Roles, config.DefaultBoosts(), env.Logger, opts...)
}

// index saves recs and writes their documents directly
func index(t *testing.T, env *indexingtest.Env, recs ...*model.Record) {
	t.Helper()
	env.Save(t, context.Background(), recs...)

	w, err := env.Index(t, store.DefaultIndex).Writer()
	require.NoError(t, err)
	for _, rec := range recs {
		doc, err := env.Adapters.BuildDocument(rec)
		require.NoError(t, err)
		require.NoError(t, w.AddDocument(doc))
	}
	require.NoError(t, w.Commit())
}

func keys(hits []model.Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.ObjectKey())
	}
	return out
}

func doc(title string) *model.Record {
	return indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": title})
}

func TestSearchFindsByName(t *testing.T) {
	env := indexingtest.NewEnv(t)
	budget := doc("Budget")
	index(t, env, budget, doc("Holiday"))

	res, err := newService(env).Search(context.Background(), "budget")
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.EntityKey(budget), res.Hits[0].ObjectKey())
	assert.Equal(t, budget.PK, res.Hits[0].ID())
	assert.Equal(t, "Budget", res.Hits[0].Fields["name"])
	assert.Equal(t, uint64(1), res.Total)
}

func TestSearchEmptyQueryMatchesAll(t *testing.T) {
	env := indexingtest.NewEnv(t)
	index(t, env, doc("One"), doc("Two"))

	res, err := newService(env).Search(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)

	res, err = newService(env).Search(context.Background(), "nothing-like-this")
	require.NoError(t, err)
	assert.Empty(t, res.Hits, "an empty result is not an error")
}

func TestSearchPrefix(t *testing.T) {
	env := indexingtest.NewEnv(t)
	budget := doc("Budget")
	index(t, env, budget)
	svc := newService(env)

	res, err := svc.Search(context.Background(), "bud")
	require.NoError(t, err)
	assert.Equal(t, []string{model.EntityKey(budget)}, keys(res.Hits))

	res, err = svc.Search(context.Background(), "bud", WithoutPrefix())
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestSearchPhraseAndExclusion(t *testing.T) {
	env := indexingtest.NewEnv(t)
	final := doc("Final plan")
	draft := doc("Draft plan")
	reversed := doc("Plan final")
	index(t, env, final, draft, reversed)
	svc := newService(env)

	res, err := svc.Search(context.Background(), `"final plan"`)
	require.NoError(t, err)
	assert.Equal(t, []string{model.EntityKey(final)}, keys(res.Hits))

	res, err = svc.Search(context.Background(), "plan -draft")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{model.EntityKey(final), model.EntityKey(reversed)}, keys(res.Hits))

	res, err = svc.Search(context.Background(), "-draft")
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)

	_, err = svc.Search(context.Background(), `"final plan`)
	assert.ErrorIs(t, err, model.ErrQueryParse)
	assert.True(t, IsParseError(err))
}

func TestSearchIgnoresClausesWithoutTerms(t *testing.T) {
	env := indexingtest.NewEnv(t)
	john := doc("John Doe")
	index(t, env, john, doc("Jane Roe"))
	svc := newService(env)

	for _, q := range []string{"john &", "john !", `john "&"`, "& john -?"} {
		res, err := svc.Search(context.Background(), q)
		require.NoError(t, err, q)
		assert.Equal(t, []string{model.EntityKey(john)}, keys(res.Hits), q)
	}

	res, err := svc.Search(context.Background(), "&")
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2, "a query without terms matches everything")
}

func TestIndexAnalyze(t *testing.T) {
	env := indexingtest.NewEnv(t)
	idx := env.Index(t, store.DefaultIndex)

	terms, err := idx.Analyze(schema.TextAnalyzer, "Café Crème!")
	require.NoError(t, err)
	assert.Equal(t, []string{"cafe", "creme"}, terms)

	terms, err = idx.Analyze(schema.TextAnalyzer, "& !")
	require.NoError(t, err)
	assert.Empty(t, terms)
}

func TestSearchNameOutranksDescription(t *testing.T) {
	env := indexingtest.NewEnv(t)
	inName := doc("Budget")
	inBody := indexingtest.Public(indexingtest.Document, map[string]interface{}{
		"title": "Yearly review",
		"body":  "covers the budget of every team in some detail",
	})
	index(t, env, inBody, inName)

	res, err := newService(env).Search(context.Background(), "budget")
	require.NoError(t, err)
	assert.Equal(t, []string{model.EntityKey(inName), model.EntityKey(inBody)}, keys(res.Hits))
}

func TestSearchFieldsOverride(t *testing.T) {
	env := indexingtest.NewEnv(t)
	inBody := indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Review", "body": "budget"})
	index(t, env, inBody, doc("Budget"))
	svc := newService(env)

	res, err := svc.Search(context.Background(), "budget", WithFields(map[string]float64{"description": 1}))
	require.NoError(t, err)
	assert.Equal(t, []string{model.EntityKey(inBody)}, keys(res.Hits))

	res, err = svc.Search(context.Background(), "budget", WithFields(map[string]float64{"no_such_field": 1}))
	require.NoError(t, err)
	assert.Empty(t, res.Hits, "unknown fields are dropped")
}

// A document restricted to a role is only visible once the role is
// granted
func TestSearchAccessFilter(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	restricted := indexingtest.Public(indexingtest.Document, map[string]interface{}{
		"title":                   "Salaries",
		"allowed_roles_and_users": []string{"role:admin"},
	})
	index(t, env, restricted)
	svc := newService(env)

	userCtx := security.WithUser(ctx, model.User{ID: 42})
	res, err := svc.Search(userCtx, "salaries")
	require.NoError(t, err)
	assert.Empty(t, res.Hits)

	res, err = svc.Search(ctx, "salaries")
	require.NoError(t, err)
	assert.Empty(t, res.Hits, "anonymous callers only see public documents")

	require.NoError(t, env.Roles.Grant(ctx, model.User{ID: 42}, model.Role{Name: "admin"}))
	res, err = svc.Search(userCtx, "salaries")
	require.NoError(t, err)
	assert.Len(t, res.Hits, 1)

	res, err = svc.Search(security.WithManager(ctx), "salaries")
	require.NoError(t, err)
	assert.Len(t, res.Hits, 1, "managers bypass the access filter")
}

func TestSearchAccessByUserAndGroup(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	mine := indexingtest.Public(indexingtest.Document, map[string]interface{}{
		"title": "Notes", "allowed_roles_and_users": []string{"user:7"},
	})
	team := indexingtest.Public(indexingtest.Document, map[string]interface{}{
		"title": "Notes", "allowed_roles_and_users": []string{"group:3"},
	})
	public := doc("Notes")
	index(t, env, mine, team, public)
	require.NoError(t, env.Roles.AddMember(ctx, model.Group{ID: 3}, model.User{ID: 8}))
	svc := newService(env)

	res, err := svc.Search(security.WithUser(ctx, model.User{ID: 7}), "notes")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{model.EntityKey(mine), model.EntityKey(public)}, keys(res.Hits))

	res, err = svc.Search(security.WithUser(ctx, model.User{ID: 8}), "notes")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{model.EntityKey(team), model.EntityKey(public)}, keys(res.Hits))
}

func TestSearchAuthenticatedRole(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	members := indexingtest.Public(indexingtest.Document, map[string]interface{}{
		"title": "Handbook", "allowed_roles_and_users": []string{"role:authenticated"},
	})
	index(t, env, members)
	svc := newService(env)

	res, err := svc.Search(ctx, "handbook")
	require.NoError(t, err)
	assert.Empty(t, res.Hits)

	res, err = svc.Search(security.WithUser(ctx, model.User{ID: 1}), "handbook")
	require.NoError(t, err)
	assert.Len(t, res.Hits, 1)
}

// Stale documents of unregistered types never surface
func TestSearchHidesUnregisteredTypes(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	index(t, env, doc("Ghostbusters"))

	w, err := env.Index(t, store.DefaultIndex).Writer()
	require.NoError(t, err)
	require.NoError(t, w.AddDocument(model.Document{
		schema.FieldObjectKey:            "ghost.T:1",
		schema.FieldObjectType:           "ghost.T",
		schema.FieldID:                   uint64(1),
		schema.FieldAllowedRolesAndUsers: "role:anonymous",
		"name":                           "Ghost",
	}))
	require.NoError(t, w.Commit())

	svc := newService(env)
	for _, q := range []string{"", "ghost"} {
		res, err := svc.Search(ctx, q)
		require.NoError(t, err)
		for _, h := range res.Hits {
			assert.NotEqual(t, "ghost.T", h.ObjectType())
		}
	}

	res, err := svc.Search(ctx, "", ForTypes("ghost.T"))
	require.NoError(t, err)
	assert.Empty(t, res.Hits)

	types, err := svc.ObjectTypes(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []model.ObjectType{{Name: indexingtest.Document, Label: "Document"}}, types)
}

func TestSearchTypeFilter(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	folder := indexingtest.Public(indexingtest.Folder, map[string]interface{}{"name": "Budget"})
	budget := doc("Budget")
	index(t, env, folder, budget)
	svc := newService(env)

	res, err := svc.Search(ctx, "budget", ForTypes(indexingtest.Folder))
	require.NoError(t, err)
	assert.Equal(t, []string{model.EntityKey(folder)}, keys(res.Hits))

	res, err = svc.Search(ctx, "budget", ForTypes(indexingtest.Folder, indexingtest.Document, indexingtest.Draft))
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)
}

// Hits grouped per type, at most five per type
func TestSearchFacetByType(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	var recs []*model.Record
	for i := 0; i < 3; i++ {
		recs = append(recs, doc("Alpha report"))
	}
	for i := 0; i < 2; i++ {
		recs = append(recs, indexingtest.Public(indexingtest.Folder, map[string]interface{}{"name": "Alpha"}))
	}
	index(t, env, recs...)

	res, err := newService(env).Search(ctx, "alpha", FacetByType())
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.Len(t, res.Facets[indexingtest.Document], 3)
	assert.Len(t, res.Facets[indexingtest.Folder], 2)
	assert.ElementsMatch(t, []string{indexingtest.Document, indexingtest.Folder}, res.FacetOrder)
	assert.Equal(t, uint64(5), res.Total)
	for typ, hits := range res.Facets {
		for i := 1; i < len(hits); i++ {
			assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score, typ)
		}
	}
}

func TestSearchFacetCollapsesPerType(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	var recs []*model.Record
	for i := 0; i < 8; i++ {
		recs = append(recs, doc("Alpha"))
	}
	recs = append(recs, indexingtest.Public(indexingtest.Folder, map[string]interface{}{"name": "Alpha"}))
	index(t, env, recs...)
	svc := newService(env)

	res, err := svc.Search(ctx, "alpha", FacetByType())
	require.NoError(t, err)
	assert.Len(t, res.Facets[indexingtest.Document], CollapseLimit)
	assert.Len(t, res.Facets[indexingtest.Folder], 1, "a crowded type does not hide the others")

	res, err = svc.Search(ctx, "alpha", FacetByType(), ForTypes(indexingtest.Document))
	require.NoError(t, err)
	assert.Len(t, res.Facets[indexingtest.Document], CollapseLimit)
	assert.NotContains(t, res.Facets, indexingtest.Folder)
}

func TestSearchLimit(t *testing.T) {
	env := indexingtest.NewEnv(t)
	var recs []*model.Record
	for i := 0; i < DefaultLimit+2; i++ {
		recs = append(recs, doc("Many"))
	}
	index(t, env, recs...)
	svc := newService(env)

	res, err := svc.Search(context.Background(), "many")
	require.NoError(t, err)
	assert.Len(t, res.Hits, DefaultLimit)
	assert.Equal(t, uint64(DefaultLimit+2), res.Total)

	res, err = svc.Search(context.Background(), "many", WithLimit(3))
	require.NoError(t, err)
	assert.Len(t, res.Hits, 3)
}

func TestSearchFilterHooks(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	folder := indexingtest.Public(indexingtest.Folder, map[string]interface{}{"name": "Budget"})
	index(t, env, folder, doc("Budget"))
	svc := newService(env)

	svc.RegisterFilter(func(ctx context.Context, req *Request) bq.Query { return nil })
	svc.RegisterFilter(func(ctx context.Context, req *Request) bq.Query {
		if req.Extras["only"] != "folders" {
			return nil
		}
		tq := bleve.NewTermQuery(indexingtest.Folder)
		tq.SetField(schema.FieldObjectType)
		return tq
	})

	res, err := svc.Search(ctx, "budget")
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)

	res, err = svc.Search(ctx, "budget", WithExtra("only", "folders"))
	require.NoError(t, err)
	assert.Equal(t, []string{model.EntityKey(folder)}, keys(res.Hits))
}

func TestSearchUnknownIndex(t *testing.T) {
	env := indexingtest.NewEnv(t)
	m := metrics.NewMetrics("test")
	_, err := newService(env, WithMetrics(m)).Search(context.Background(), "x", InIndex("missing"))
	assert.ErrorIs(t, err, model.ErrUnknownIndex)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SearchesTotal.WithLabelValues("missing", "error")))

	_, err = newService(env).ObjectTypes(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrUnknownIndex)
}
