package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
)

const roleTables = `
	CREATE TABLE IF NOT EXISTS role_assignments (
		principal TEXT NOT NULL,
		role      TEXT NOT NULL,
		PRIMARY KEY (principal, role)
	);
	CREATE TABLE IF NOT EXISTS group_members (
		group_id BIGINT NOT NULL,
		user_id  BIGINT NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members (user_id);
`

// Statements returns the DDL creating the tables for classes
func Statements(classes *model.ClassRegistry) ([]string, error) {
	tables := make(map[string][]*model.Class)
	joins := make(map[string]model.Relation)
	for _, c := range classes.All() {
		table, err := classes.Table(c.Name)
		if err != nil {
			return nil, err
		}
		tables[table] = append(tables[table], c)
		for _, rel := range c.Relations {
			if rel.Kind == model.ManyToMany {
				joins[rel.JoinTable] = rel
			}
		}
	}

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var stmts []string
	for _, name := range names {
		table := pq.QuoteIdentifier(name)
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         BIGSERIAL PRIMARY KEY,
		type       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, table))
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (type, id)`,
			pq.QuoteIdentifier("idx_"+name+"_type"), table))

		for _, c := range tables[name] {
			for _, col := range c.Columns {
				sqlType := col.SQLType
				if sqlType == "" {
					sqlType = "TEXT"
				}
				stmts = append(stmts, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
					table, pq.QuoteIdentifier(col.ColumnName()), sqlType))
			}
			for _, rel := range c.Relations {
				if rel.Kind != model.ManyToOne {
					continue
				}
				stmts = append(stmts, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s BIGINT`,
					table, pq.QuoteIdentifier(rel.Column)))
			}
		}
	}

	joinNames := make([]string, 0, len(joins))
	for name := range joins {
		joinNames = append(joinNames, name)
	}
	sort.Strings(joinNames)
	for _, name := range joinNames {
		rel := joins[name]
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s BIGINT NOT NULL,
		%s BIGINT NOT NULL,
		PRIMARY KEY (%s, %s)
	)`, pq.QuoteIdentifier(name),
			pq.QuoteIdentifier(rel.JoinColumn), pq.QuoteIdentifier(rel.TargetColumn),
			pq.QuoteIdentifier(rel.JoinColumn), pq.QuoteIdentifier(rel.TargetColumn)))
	}

	return append(stmts, roleTables), nil
}

// Migrate creates the tables for classes and the role tables
func Migrate(ctx context.Context, db *sql.DB, classes *model.ClassRegistry) error {
	stmts, err := Statements(classes)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}
