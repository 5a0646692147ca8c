package security

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/contentindex/internal/indexing/adapters/repository/memory"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/platform/cache"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
)

type mapCache struct {
	values map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{values: make(map[string][]byte)} }

func (c *mapCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, ok := c.values[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(data, dest)
}

func (c *mapCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.values[key] = data
	return nil
}

func (c *mapCache) Delete(ctx context.Context, key string) error {
	delete(c.values, key)
	return nil
}

type countingLookup struct {
	next  RoleLookup
	calls int
	err   error
}

func (l *countingLookup) PrincipalsFor(ctx context.Context, user model.User) ([]model.Principal, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.next.PrincipalsFor(ctx, user)
}

func TestUserFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, model.Anonymous, UserFrom(ctx))
	assert.False(t, IsManager(ctx))

	ctx = WithManager(WithUser(ctx, model.User{ID: 42}))
	assert.Equal(t, model.User{ID: 42}, UserFrom(ctx))
	assert.True(t, IsManager(ctx))
}

func TestMarkers(t *testing.T) {
	ctx := context.Background()
	roles := memory.NewRoleRepository()
	user := model.User{ID: 42}
	require.NoError(t, roles.Grant(ctx, user, model.Role{Name: "editor"}))
	require.NoError(t, roles.AddMember(ctx, model.Group{ID: 7}, user))

	tests := []struct {
		name string
		user model.Principal
		want []string
	}{
		{"anonymous", model.Anonymous, []string{"role:anonymous"}},
		{"nil", nil, []string{"role:anonymous"}},
		{"user without grants", model.User{ID: 1}, []string{"user:1", "role:anonymous", "role:authenticated"}},
		{"user with grants", user, []string{"user:42", "role:anonymous", "role:authenticated", "group:7", "role:editor"}},
		{"role", model.Role{Name: "editor"}, []string{"role:editor", "role:anonymous", "role:authenticated"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Markers(ctx, tt.user, roles)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMarkersLookupFailure(t *testing.T) {
	lookup := &countingLookup{err: errors.New("db down")}
	_, err := Markers(context.Background(), model.User{ID: 3}, lookup)
	assert.Error(t, err)
	assert.Equal(t, 1, lookup.calls)

	lookup = &countingLookup{err: errors.New("db down")}
	got, err := Markers(context.Background(), model.Anonymous, lookup)
	require.NoError(t, err)
	assert.Equal(t, []string{"role:anonymous"}, got)
	assert.Zero(t, lookup.calls, "anonymous callers never hit the lookup")
}

func TestCachedRoleLookup(t *testing.T) {
	ctx := context.Background()
	roles := memory.NewRoleRepository()
	user := model.User{ID: 42}
	require.NoError(t, roles.Grant(ctx, user, model.Role{Name: "admin"}))

	inner := &countingLookup{next: roles}
	m := metrics.NewMetrics("test")
	cached := NewCachedRoleLookup(inner, newMapCache(), time.Minute, m)

	for i := 0; i < 3; i++ {
		got, err := cached.PrincipalsFor(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, []model.Principal{model.Role{Name: "admin"}}, got)
	}
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheHits.WithLabelValues("roles")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMisses.WithLabelValues("roles")))

	require.NoError(t, roles.Grant(ctx, user, model.Role{Name: "editor"}))
	require.NoError(t, cached.Invalidate(ctx, user))
	got, err := cached.PrincipalsFor(ctx, user)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedRoleLookupRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if testing.Short() || addr == "" {
		t.Skip("Skipping Redis cache test: REDIS_ADDR not set")
	}
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "test:roles:" + time.Now().Format("150405.000000")
	c := cache.NewRedisCacheWithClient(client, prefix, time.Minute)
	defer func() {
		_ = c.InvalidatePattern(ctx, "*")
		_ = c.Close()
	}()

	roles := memory.NewRoleRepository()
	user := model.User{ID: 9}
	require.NoError(t, roles.Grant(ctx, user, model.Role{Name: "reviewer"}))
	inner := &countingLookup{next: roles}
	cached := NewCachedRoleLookup(inner, c, time.Minute, nil)

	for i := 0; i < 2; i++ {
		got, err := cached.PrincipalsFor(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, []model.Principal{model.Role{Name: "reviewer"}}, got)
	}
	assert.Equal(t, 1, inner.calls)
}
