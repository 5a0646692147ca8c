// Package security resolves the caller of a search and the principal
// markers it may read
package security

import (
	"context"
	"fmt"
	"time"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/platform/cache"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
)

type contextKey int

const (
	userKey contextKey = iota
	managerKey
)

// WithUser stores the calling principal in ctx
func WithUser(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, userKey, p)
}

// UserFrom returns the calling principal, model.Anonymous when unset
func UserFrom(ctx context.Context) model.Principal {
	if p, ok := ctx.Value(userKey).(model.Principal); ok && p != nil {
		return p
	}
	return model.Anonymous
}

// WithManager flags the caller as trusted; its searches skip the access
// filter
func WithManager(ctx context.Context) context.Context {
	return context.WithValue(ctx, managerKey, true)
}

// IsManager reports whether the caller was flagged trusted
func IsManager(ctx context.Context) bool {
	v, _ := ctx.Value(managerKey).(bool)
	return v
}

// RoleLookup returns the roles and groups granted to a user
type RoleLookup interface {
	PrincipalsFor(ctx context.Context, user model.User) ([]model.Principal, error)
}

// Markers returns the allowed_roles_and_users values user may read. The
// user's own marker is always first; authenticated users add the anonymous
// and authenticated roles and whatever lookup grants them.
func Markers(ctx context.Context, user model.Principal, lookup RoleLookup) ([]string, error) {
	if user == nil {
		user = model.Anonymous
	}
	markers := []string{user.Marker()}
	if model.IsAnonymous(user) {
		return markers, nil
	}

	seen := map[string]bool{markers[0]: true}
	add := func(p model.Principal) {
		m := p.Marker()
		if !seen[m] {
			seen[m] = true
			markers = append(markers, m)
		}
	}
	add(model.AnonymousRole)
	add(model.Authenticated)

	u, ok := user.(model.User)
	if !ok || lookup == nil {
		return markers, nil
	}
	granted, err := lookup.PrincipalsFor(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to look up roles of %s: %w", u.Marker(), err)
	}
	for _, p := range granted {
		add(p)
	}
	return markers, nil
}

// CachedRoleLookup caches another lookup's answers per user
type CachedRoleLookup struct {
	next    RoleLookup
	cache   cache.Cache
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewCachedRoleLookup wraps next with cache entries living ttl. m may be nil.
func NewCachedRoleLookup(next RoleLookup, c cache.Cache, ttl time.Duration, m *metrics.Metrics) *CachedRoleLookup {
	return &CachedRoleLookup{next: next, cache: c, ttl: ttl, metrics: m}
}

func cacheKey(user model.User) string {
	return "roles:" + user.Marker()
}

// PrincipalsFor answers from the cache, loading through on a miss
func (l *CachedRoleLookup) PrincipalsFor(ctx context.Context, user model.User) ([]model.Principal, error) {
	markers, hit, err := cache.CacheAside(ctx, l.cache, cacheKey(user), l.ttl, func() ([]string, error) {
		principals, err := l.next.PrincipalsFor(ctx, user)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(principals))
		for _, p := range principals {
			out = append(out, p.Marker())
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	if l.metrics != nil {
		if hit {
			l.metrics.CacheHits.WithLabelValues("roles").Inc()
		} else {
			l.metrics.CacheMisses.WithLabelValues("roles").Inc()
		}
	}

	principals := make([]model.Principal, 0, len(markers))
	for _, m := range markers {
		if p, ok := model.ParseMarker(m); ok {
			principals = append(principals, p)
		}
	}
	return principals, nil
}

// Invalidate drops the cached answer for user
func (l *CachedRoleLookup) Invalidate(ctx context.Context, user model.User) error {
	return l.cache.Delete(ctx, cacheKey(user))
}
