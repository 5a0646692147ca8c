package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/repository"
)

// RoleRepository keeps role grants and group membership in memory
type RoleRepository struct {
	mu      sync.RWMutex
	grants  map[string]map[string]bool
	members map[uint64]map[uint64]bool
}

var _ repository.RoleRepository = (*RoleRepository)(nil)

// NewRoleRepository creates an empty role repository
func NewRoleRepository() *RoleRepository {
	return &RoleRepository{
		grants:  make(map[string]map[string]bool),
		members: make(map[uint64]map[uint64]bool),
	}
}

// PrincipalsFor returns the groups of user and the roles granted to the user
// or its groups
func (r *RoleRepository) PrincipalsFor(ctx context.Context, user model.User) ([]model.Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	holders := []string{user.Marker()}
	var groups []uint64
	for gid := range r.members[user.ID] {
		groups = append(groups, gid)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	var out []model.Principal
	for _, gid := range groups {
		g := model.Group{ID: gid}
		out = append(out, g)
		holders = append(holders, g.Marker())
	}

	roles := make(map[string]bool)
	for _, h := range holders {
		for role := range r.grants[h] {
			roles[role] = true
		}
	}
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, model.Role{Name: name})
	}
	return out, nil
}

// Grant gives role to principal
func (r *RoleRepository) Grant(ctx context.Context, principal model.Principal, role model.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := principal.Marker()
	if r.grants[key] == nil {
		r.grants[key] = make(map[string]bool)
	}
	r.grants[key][role.Name] = true
	return nil
}

// Revoke takes role away from principal
func (r *RoleRepository) Revoke(ctx context.Context, principal model.Principal, role model.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants[principal.Marker()], role.Name)
	return nil
}

// AddMember puts user in group
func (r *RoleRepository) AddMember(ctx context.Context, group model.Group, user model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[user.ID] == nil {
		r.members[user.ID] = make(map[uint64]bool)
	}
	r.members[user.ID][group.ID] = true
	return nil
}
