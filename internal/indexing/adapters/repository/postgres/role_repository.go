package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/repository"
)

// RoleRepository stores role grants and group membership
type RoleRepository struct {
	db *sql.DB
}

var _ repository.RoleRepository = (*RoleRepository)(nil)

// NewRoleRepository creates a new PostgreSQL role repository
func NewRoleRepository(db *sql.DB) *RoleRepository {
	return &RoleRepository{db: db}
}

// PrincipalsFor returns the groups of user followed by the roles granted to
// the user or any of its groups
func (r *RoleRepository) PrincipalsFor(ctx context.Context, user model.User) ([]model.Principal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT group_id FROM group_members WHERE user_id = $1 ORDER BY group_id`, int64(user.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}
	var principals []model.Principal
	holders := []string{user.Marker()}
	for rows.Next() {
		var gid int64
		if err := rows.Scan(&gid); err != nil {
			rows.Close()
			return nil, err
		}
		g := model.Group{ID: uint64(gid)}
		principals = append(principals, g)
		holders = append(holders, g.Marker())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx,
		`SELECT DISTINCT role FROM role_assignments WHERE principal = ANY($1) ORDER BY role`, pq.Array(holders))
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		principals = append(principals, model.Role{Name: role})
	}
	return principals, rows.Err()
}

// Grant gives role to principal
func (r *RoleRepository) Grant(ctx context.Context, principal model.Principal, role model.Role) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO role_assignments (principal, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		principal.Marker(), role.Name)
	if err != nil {
		return fmt.Errorf("failed to grant %s: %w", role.Name, err)
	}
	return nil
}

// Revoke takes role away from principal
func (r *RoleRepository) Revoke(ctx context.Context, principal model.Principal, role model.Role) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM role_assignments WHERE principal = $1 AND role = $2`, principal.Marker(), role.Name)
	if err != nil {
		return fmt.Errorf("failed to revoke %s: %w", role.Name, err)
	}
	return nil
}

// AddMember puts user in group
func (r *RoleRepository) AddMember(ctx context.Context, group model.Group, user model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		int64(group.ID), int64(user.ID))
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}
