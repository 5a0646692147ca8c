package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authmw "github.com/linkflow-ai/contentindex/internal/indexing/adapters/http/middleware"
	"github.com/linkflow-ai/contentindex/internal/indexing/adapters/repository/memory"
	"github.com/linkflow-ai/contentindex/internal/indexing/app/service"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/indexingtest"
	"github.com/linkflow-ai/contentindex/internal/platform/config"
	"github.com/linkflow-ai/contentindex/internal/platform/database"
	"github.com/linkflow-ai/contentindex/internal/platform/health"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
	"github.com/linkflow-ai/contentindex/internal/platform/queue"
)

var secret = []byte("test-secret")

type app struct {
	handler  http.Handler
	svc      *service.IndexService
	entities *memory.EntityRepository
	txm      *database.TxManager
}

func newApp(t *testing.T) *app {
	t.Helper()
	log := logger.NewNop()
	classes := indexingtest.Classes(t)
	a := &app{
		entities: memory.NewEntityRepository(classes),
		txm:      database.NewTxManager(nil),
	}
	q := queue.NewInMemoryQueue()
	m := metrics.NewMetrics("test")
	a.svc = service.NewIndexService(service.Config{Boosts: config.DefaultBoosts()}, service.Dependencies{
		Classes:  classes,
		Entities: a.entities,
		Roles:    memory.NewRoleRepository(),
		TxM:      a.txm,
		Queue:    q,
		Metrics:  m,
	}, log)
	require.NoError(t, a.svc.RegisterClasses())
	require.NoError(t, a.svc.Start(context.Background()))
	t.Cleanup(func() {
		_ = a.svc.Close()
		_ = q.Close()
	})

	h := health.NewHandler("indexer", "test")
	h.AddCheck("index", a.svc.HealthCheck)
	a.handler = NewRouter(a.svc, h, m, authmw.NewAuthMiddleware(secret, "manager", log), log)
	return a
}

func (a *app) get(t *testing.T, target string, claims jwt.MapClaims) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if claims != nil {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouterServesSearch(t *testing.T) {
	ctx := context.Background()
	a := newApp(t)

	require.NoError(t, a.txm.Transaction(ctx, func(tx *database.Tx) error {
		if err := a.entities.Save(ctx, tx, indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Public minutes"})); err != nil {
			return err
		}
		return a.entities.Save(ctx, tx, indexingtest.Public(indexingtest.Document, map[string]interface{}{
			"title":                   "Private minutes",
			"allowed_roles_and_users": []string{"user:9"},
		}))
	}))
	_, err := a.svc.ProcessPending(ctx)
	require.NoError(t, err)

	count := func(rec *httptest.ResponseRecorder) int {
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var raw struct {
			Hits []json.RawMessage `json:"hits"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
		return len(raw.Hits)
	}

	assert.Equal(t, 1, count(a.get(t, "/api/v1/search?q=minutes", nil)))
	assert.Equal(t, 2, count(a.get(t, "/api/v1/search?q=minutes", jwt.MapClaims{"user_id": 9})))
	assert.Equal(t, 2, count(a.get(t, "/api/v1/search?q=minutes", jwt.MapClaims{"user_id": 1, "roles": []string{"manager"}})))

	rec := a.get(t, "/api/v1/search?q=minutes", jwt.MapClaims{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.get(t, "/api/v1/search?q=%22open", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.get(t, "/api/v1/search?q=x&index=archive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.get(t, "/api/v1/search/object-types", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"object_types":[["test.Document","Document"]]}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	a := newApp(t)

	rec := a.get(t, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"index"`)

	rec = a.get(t, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	a.get(t, "/api/v1/search?q=anything", nil)
	rec = a.get(t, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_http_requests_total")
}

func TestJobIndexKey(t *testing.T) {
	task, err := queue.NewTask(model.TaskName, model.IndexUpdateJob{
		Index: "archive",
		Items: []model.JobItem{{Op: model.OpNew, Class: "test.Document", PK: 1}},
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, "archive", JobIndexKey(task))

	other, err := queue.NewTask("other", map[string]string{"a": "b"}, 3)
	require.NoError(t, err)
	assert.Equal(t, "other", JobIndexKey(other))

	broken := &queue.Task{Name: model.TaskName, Payload: []byte(`{}`)}
	assert.Equal(t, model.TaskName, JobIndexKey(broken))
}

func TestNewQueue(t *testing.T) {
	cfg := &config.Config{}
	cfg.Queue.Driver = DriverMemory
	q, err := NewQueue(cfg, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &queue.InMemoryQueue{}, q)
	require.NoError(t, q.Close())

	cfg.Queue.Driver = "carrier-pigeon"
	_, err = NewQueue(cfg, logger.NewNop())
	assert.ErrorContains(t, err, "unknown queue driver")
}
