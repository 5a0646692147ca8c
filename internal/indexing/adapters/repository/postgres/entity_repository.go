package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/repository"
	"github.com/linkflow-ai/contentindex/internal/platform/database"
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// EntityRepository maps every class hierarchy to one table keyed by a
// BIGSERIAL id, with a type column holding the concrete class name
type EntityRepository struct {
	db      *sql.DB
	classes *model.ClassRegistry
}

var _ repository.EntityRepository = (*EntityRepository)(nil)

// NewEntityRepository creates a new PostgreSQL entity repository
func NewEntityRepository(db *sql.DB, classes *model.ClassRegistry) *EntityRepository {
	return &EntityRepository{db: db, classes: classes}
}

func (r *EntityRepository) q(tx *database.Tx) querier {
	if tx != nil {
		if sqlTx := tx.SQL(); sqlTx != nil {
			return sqlTx
		}
	}
	return r.db
}

// tableColumns returns the union of columns stored in table, in class name
// order, de-duplicated by SQL name
func (r *EntityRepository) tableColumns(table string) []model.Column {
	seen := make(map[string]bool)
	var cols []model.Column
	for _, c := range r.classes.All() {
		t, err := r.classes.Table(c.Name)
		if err != nil || t != table {
			continue
		}
		for _, col := range c.Columns {
			if seen[col.ColumnName()] {
				continue
			}
			seen[col.ColumnName()] = true
			cols = append(cols, col)
		}
	}
	return cols
}

func isArray(col model.Column) bool {
	return strings.HasSuffix(col.SQLType, "[]")
}

// Get loads the instance of class with the given primary key
func (r *EntityRepository) Get(ctx context.Context, tx *database.Tx, class string, pk uint64) (model.Entity, error) {
	rec, err := r.load(ctx, r.q(tx), class, pk, true)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *EntityRepository) load(ctx context.Context, q querier, class string, pk uint64, withRelations bool) (*model.Record, error) {
	table, err := r.classes.Table(class)
	if err != nil {
		return nil, err
	}
	cols := r.tableColumns(table)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND type = ANY($2)`,
		selectList(cols), pq.QuoteIdentifier(table))

	rows, err := q.QueryContext(ctx, query, int64(pk), pq.Array(r.classes.Descendants(class)))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", model.ObjectKey(class, pk), err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", model.ObjectKey(class, pk), model.ErrEntityNotFound)
	}
	rec, err := r.scan(rows, cols)
	if err != nil {
		return nil, err
	}
	rows.Close()

	if withRelations {
		if err := r.loadRelations(ctx, q, rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func selectList(cols []model.Column) string {
	names := []string{"id", "type", "created_at", "updated_at"}
	for _, col := range cols {
		names = append(names, pq.QuoteIdentifier(col.ColumnName()))
	}
	return strings.Join(names, ", ")
}

func (r *EntityRepository) scan(rows *sql.Rows, cols []model.Column) (*model.Record, error) {
	var (
		id        int64
		class     string
		createdAt time.Time
		updatedAt time.Time
	)
	dest := []interface{}{&id, &class, &createdAt, &updatedAt}
	for _, col := range cols {
		if isArray(col) {
			dest = append(dest, &pq.StringArray{})
		} else {
			dest = append(dest, new(interface{}))
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	own, err := r.classes.Columns(class)
	if err != nil {
		return nil, err
	}
	belongs := make(map[string]bool, len(own))
	for _, col := range own {
		belongs[col.ColumnName()] = true
	}

	rec := model.NewRecord(class, uint64(id), nil)
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	for i, col := range cols {
		if !belongs[col.ColumnName()] {
			continue
		}
		switch v := dest[i+4].(type) {
		case *pq.StringArray:
			rec.Set(col.Name, []string(*v))
		case *interface{}:
			if *v == nil {
				continue
			}
			if b, ok := (*v).([]byte); ok {
				rec.Set(col.Name, string(b))
			} else {
				rec.Set(col.Name, *v)
			}
		}
	}
	return rec, nil
}

func (r *EntityRepository) loadRelations(ctx context.Context, q querier, rec *model.Record) error {
	rels, err := r.classes.Relations(rec.Class)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		switch rel.Kind {
		case model.ManyToOne:
			fk, err := r.foreignKey(ctx, q, rec, rel)
			if err != nil {
				return err
			}
			if fk == 0 {
				continue
			}
			target, err := r.load(ctx, q, rel.Target, fk, false)
			if errors.Is(err, model.ErrEntityNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			rec.Set(rel.Name, target)
		case model.ManyToMany:
			ids, err := r.linkedIDs(ctx, q, rec.PK, rel)
			if err != nil {
				return err
			}
			targets := make([]*model.Record, 0, len(ids))
			for _, id := range ids {
				target, err := r.load(ctx, q, rel.Target, id, false)
				if errors.Is(err, model.ErrEntityNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				targets = append(targets, target)
			}
			rec.Set(rel.Name, targets)
		}
	}
	return nil
}

func (r *EntityRepository) foreignKey(ctx context.Context, q querier, rec *model.Record, rel model.Relation) (uint64, error) {
	table, err := r.classes.Table(rec.Class)
	if err != nil {
		return 0, err
	}
	var fk sql.NullInt64
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, pq.QuoteIdentifier(rel.Column), pq.QuoteIdentifier(table))
	if err := q.QueryRowContext(ctx, query, int64(rec.PK)).Scan(&fk); err != nil {
		return 0, fmt.Errorf("failed to load %s.%s: %w", rec.Class, rel.Name, err)
	}
	if !fk.Valid {
		return 0, nil
	}
	return uint64(fk.Int64), nil
}

func (r *EntityRepository) linkedIDs(ctx context.Context, q querier, pk uint64, rel model.Relation) ([]uint64, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY %s`,
		pq.QuoteIdentifier(rel.TargetColumn), pq.QuoteIdentifier(rel.JoinTable),
		pq.QuoteIdentifier(rel.JoinColumn), pq.QuoteIdentifier(rel.TargetColumn))

	rows, err := q.QueryContext(ctx, query, int64(pk))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s links: %w", rel.Name, err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

// Count counts the instances of class and its subclasses
func (r *EntityRepository) Count(ctx context.Context, tx *database.Tx, class string) (int64, error) {
	table, err := r.classes.Table(class)
	if err != nil {
		return 0, err
	}
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE type = ANY($1)`, pq.QuoteIdentifier(table))
	if err := r.q(tx).QueryRowContext(ctx, query, pq.Array(r.classes.Descendants(class))).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", class, err)
	}
	return n, nil
}

// Iterate walks instances with keyset pagination on id
func (r *EntityRepository) Iterate(ctx context.Context, tx *database.Tx, class string, batchSize int, fn func(model.Entity) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	table, err := r.classes.Table(class)
	if err != nil {
		return err
	}
	q := r.q(tx)
	cols := r.tableColumns(table)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE type = ANY($1) AND id > $2 ORDER BY id LIMIT $3`,
		selectList(cols), pq.QuoteIdentifier(table))
	types := pq.Array(r.classes.Descendants(class))

	var last int64
	for {
		batch, err := r.page(ctx, q, query, cols, types, last, batchSize)
		if err != nil {
			return err
		}
		for _, rec := range batch {
			if err := r.loadRelations(ctx, q, rec); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
			last = int64(rec.PK)
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}

func (r *EntityRepository) page(ctx context.Context, q querier, query string, cols []model.Column, types interface{}, after int64, limit int) ([]*model.Record, error) {
	rows, err := q.QueryContext(ctx, query, types, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to iterate: %w", err)
	}
	defer rows.Close()

	var batch []*model.Record
	for rows.Next() {
		rec, err := r.scan(rows, cols)
		if err != nil {
			return nil, err
		}
		batch = append(batch, rec)
	}
	return batch, rows.Err()
}

// Save inserts or updates rec inside tx and tracks the change
func (r *EntityRepository) Save(ctx context.Context, tx *database.Tx, rec *model.Record) error {
	if tx == nil || tx.SQL() == nil {
		return database.ErrNoConnection
	}
	table, err := r.classes.Table(rec.Class)
	if err != nil {
		return err
	}
	cols, err := r.classes.Columns(rec.Class)
	if err != nil {
		return err
	}
	rels, err := r.classes.Relations(rec.Class)
	if err != nil {
		return err
	}

	names := []string{"type", "updated_at"}
	now := time.Now().UTC()
	args := []interface{}{rec.Class, now}
	for _, col := range cols {
		names = append(names, pq.QuoteIdentifier(col.ColumnName()))
		args = append(args, columnValue(col, rec.Attrs[col.Name]))
	}
	for _, rel := range rels {
		if rel.Kind != model.ManyToOne {
			continue
		}
		names = append(names, pq.QuoteIdentifier(rel.Column))
		args = append(args, foreignKeyValue(rec.Attrs[rel.Name]))
	}

	q := tx.SQL()
	kind := database.ChangeDirty
	if rec.PK == 0 {
		kind = database.ChangeNew
		names = append(names, "created_at")
		args = append(args, now)
		placeholders := make([]string, len(args))
		for i := range args {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING id, created_at`,
			pq.QuoteIdentifier(table), strings.Join(names, ", "), strings.Join(placeholders, ", "))

		var id int64
		if err := q.QueryRowContext(ctx, query, args...).Scan(&id, &rec.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert %s: %w", rec.Class, err)
		}
		rec.PK = uint64(id)
	} else {
		sets := make([]string, len(names))
		for i, name := range names {
			sets[i] = fmt.Sprintf("%s = $%d", name, i+1)
		}
		args = append(args, int64(rec.PK))
		query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`,
			pq.QuoteIdentifier(table), strings.Join(sets, ", "), len(args))

		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", rec, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%s: %w", rec, model.ErrEntityNotFound)
		}
	}
	rec.UpdatedAt = now

	for _, rel := range rels {
		if rel.Kind != model.ManyToMany {
			continue
		}
		if _, ok := rec.Attrs[rel.Name]; !ok {
			continue
		}
		if err := r.saveLinks(ctx, q, rec, rel); err != nil {
			return err
		}
	}

	tx.Track(kind, rec)
	return nil
}

func columnValue(col model.Column, v interface{}) interface{} {
	if isArray(col) {
		switch vv := v.(type) {
		case []string:
			return pq.Array(vv)
		case nil:
			return pq.Array([]string{})
		}
	}
	if p, ok := v.(model.Principal); ok {
		return p.Marker()
	}
	return v
}

func foreignKeyValue(v interface{}) interface{} {
	switch target := v.(type) {
	case model.Entity:
		if target.PrimaryKey() == 0 {
			return nil
		}
		return int64(target.PrimaryKey())
	case uint64:
		return int64(target)
	}
	return nil
}

func (r *EntityRepository) saveLinks(ctx context.Context, q querier, rec *model.Record, rel model.Relation) error {
	del := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, pq.QuoteIdentifier(rel.JoinTable), pq.QuoteIdentifier(rel.JoinColumn))
	if _, err := q.ExecContext(ctx, del, int64(rec.PK)); err != nil {
		return fmt.Errorf("failed to clear %s links: %w", rel.Name, err)
	}

	ins := fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		pq.QuoteIdentifier(rel.JoinTable), pq.QuoteIdentifier(rel.JoinColumn), pq.QuoteIdentifier(rel.TargetColumn))
	for _, target := range linkedRecords(rec.Attrs[rel.Name]) {
		if target.PrimaryKey() == 0 {
			continue
		}
		if _, err := q.ExecContext(ctx, ins, int64(rec.PK), int64(target.PrimaryKey())); err != nil {
			return fmt.Errorf("failed to link %s: %w", rel.Name, err)
		}
	}
	return nil
}

func linkedRecords(v interface{}) []model.Entity {
	switch vv := v.(type) {
	case []*model.Record:
		out := make([]model.Entity, len(vv))
		for i, rec := range vv {
			out[i] = rec
		}
		return out
	case []model.Entity:
		return vv
	}
	return nil
}

// Delete removes rec and its links inside tx and tracks the change
func (r *EntityRepository) Delete(ctx context.Context, tx *database.Tx, rec *model.Record) error {
	if tx == nil || tx.SQL() == nil {
		return database.ErrNoConnection
	}
	table, err := r.classes.Table(rec.Class)
	if err != nil {
		return err
	}
	rels, err := r.classes.Relations(rec.Class)
	if err != nil {
		return err
	}

	q := tx.SQL()
	for _, rel := range rels {
		if rel.Kind != model.ManyToMany {
			continue
		}
		del := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, pq.QuoteIdentifier(rel.JoinTable), pq.QuoteIdentifier(rel.JoinColumn))
		if _, err := q.ExecContext(ctx, del, int64(rec.PK)); err != nil {
			return fmt.Errorf("failed to clear %s links: %w", rel.Name, err)
		}
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, pq.QuoteIdentifier(table))
	if _, err := q.ExecContext(ctx, query, int64(rec.PK)); err != nil {
		return fmt.Errorf("failed to delete %s: %w", rec, err)
	}

	tx.Track(database.ChangeDeleted, rec)
	return nil
}
