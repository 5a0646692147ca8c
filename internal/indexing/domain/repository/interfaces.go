package repository

import (
	"context"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/platform/database"
)

// EntityRepository loads and persists domain entities. Reads accept a nil
// transaction; writes record their change on tx so commit listeners see it.
type EntityRepository interface {
	// Get loads the instance of class (or one of its subclasses) with the
	// given primary key, model.ErrEntityNotFound when missing
	Get(ctx context.Context, tx *database.Tx, class string, pk uint64) (model.Entity, error)

	// Count counts the instances of class and its subclasses
	Count(ctx context.Context, tx *database.Tx, class string) (int64, error)

	// Iterate streams instances of class and its subclasses in primary key
	// order, batchSize rows per round trip
	Iterate(ctx context.Context, tx *database.Tx, class string, batchSize int, fn func(model.Entity) error) error

	// Save inserts or updates a record, assigning its primary key on insert
	Save(ctx context.Context, tx *database.Tx, rec *model.Record) error

	// Delete removes a record
	Delete(ctx context.Context, tx *database.Tx, rec *model.Record) error
}

// RoleRepository answers role lookups for principals
type RoleRepository interface {
	// PrincipalsFor returns the roles and groups granted to user
	PrincipalsFor(ctx context.Context, user model.User) ([]model.Principal, error)

	// Grant gives role to principal
	Grant(ctx context.Context, principal model.Principal, role model.Role) error

	// Revoke takes role away from principal
	Revoke(ctx context.Context, principal model.Principal, role model.Role) error

	// AddMember puts user in group
	AddMember(ctx context.Context, group model.Group, user model.User) error
}
