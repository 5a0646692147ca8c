package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrTxDone is returned when a finished transaction is used again
	ErrTxDone = errors.New("transaction already committed or rolled back")
	// ErrNoConnection is returned by SQL helpers of a transaction that is not
	// backed by a database connection
	ErrNoConnection = errors.New("transaction has no database connection")
)

// ChangeKind classifies a tracked mutation
type ChangeKind string

const (
	ChangeNew     ChangeKind = "new"
	ChangeDirty   ChangeKind = "changed"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is one object mutation seen by a flush
type Change struct {
	Kind   ChangeKind
	Object interface{}
}

// TxListener receives the transaction lifecycle notifications. AfterFlush
// runs once per flush with the changes written by it; AfterCommit runs after
// every successful commit, nested ones included (see Tx.Nested).
type TxListener interface {
	AfterFlush(ctx context.Context, tx *Tx, changes []Change)
	AfterCommit(ctx context.Context, tx *Tx)
}

// RollbackListener is implemented by listeners that care about rollbacks
type RollbackListener interface {
	AfterRollback(ctx context.Context, tx *Tx)
}

// TxManager begins transactions and dispatches their hooks. A nil *sql.DB
// yields connectionless units of work, used by in-memory repositories.
type TxManager struct {
	db        *sql.DB
	mu        sync.RWMutex
	listeners []TxListener
}

// NewTxManager creates a transaction manager on top of db (may be nil)
func NewTxManager(db *sql.DB) *TxManager {
	return &TxManager{db: db}
}

// Subscribe registers a listener for every transaction begun afterwards
func (m *TxManager) Subscribe(l TxListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *TxManager) snapshotListeners() []TxListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TxListener, len(m.listeners))
	copy(out, m.listeners)
	return out
}

// Begin starts an outermost transaction
func (m *TxManager) Begin(ctx context.Context) (*Tx, error) {
	tx := &Tx{
		listeners: m.snapshotListeners(),
		values:    make(map[interface{}]interface{}),
	}
	if m.db != nil {
		sqlTx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		tx.sqlTx = sqlTx
	}
	return tx, nil
}

// Transaction executes a function within a database transaction
func (m *TxManager) Transaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	return run(ctx, tx, fn)
}

func run(ctx context.Context, tx *Tx, fn func(*Tx) error) error {
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit(ctx)
}

// Tx is a unit of work. Mutations are recorded with Track and announced to
// listeners on Flush; nested transactions map to savepoints.
type Tx struct {
	sqlTx     *sql.Tx
	parent    *Tx
	savepoint string
	depth     int
	children  int
	listeners []TxListener
	pending   []Change
	onCommit  []func()
	values    map[interface{}]interface{}
	done      bool
}

// Nested reports whether tx is a sub-transaction whose commit is not durable
func (t *Tx) Nested() bool {
	return t.parent != nil
}

// Parent returns the enclosing transaction, nil for the outermost one
func (t *Tx) Parent() *Tx {
	return t.parent
}

// Within reports whether t is other or one of its sub-transactions
func (t *Tx) Within(other *Tx) bool {
	for cur := t; cur != nil; cur = cur.parent {
		if cur == other {
			return true
		}
	}
	return false
}

// Depth returns 0 for the outermost transaction
func (t *Tx) Depth() int {
	return t.depth
}

// Root returns the outermost transaction
func (t *Tx) Root() *Tx {
	root := t
	for root.parent != nil {
		root = root.parent
	}
	return root
}

// SQL returns the underlying *sql.Tx, nil for connectionless units of work
func (t *Tx) SQL() *sql.Tx {
	return t.Root().sqlTx
}

// Value returns a value stored on the outermost transaction
func (t *Tx) Value(key interface{}) interface{} {
	return t.Root().values[key]
}

// SetValue stores a value on the outermost transaction
func (t *Tx) SetValue(key, value interface{}) {
	t.Root().values[key] = value
}

// ExecContext executes a statement inside the transaction
func (t *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	sqlTx := t.SQL()
	if sqlTx == nil {
		return nil, ErrNoConnection
	}
	return sqlTx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction
func (t *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	sqlTx := t.SQL()
	if sqlTx == nil {
		return nil, ErrNoConnection
	}
	return sqlTx.QueryContext(ctx, query, args...)
}

// Track records a mutation to be announced by the next flush
func (t *Tx) Track(kind ChangeKind, object interface{}) {
	t.pending = append(t.pending, Change{Kind: kind, Object: object})
}

// OnCommit registers fn to run once the outermost transaction has committed.
// Callbacks registered in a sub-transaction are dropped if it rolls back.
func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// Flush announces tracked mutations to listeners
func (t *Tx) Flush(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	if len(t.pending) == 0 {
		return nil
	}
	changes := t.pending
	t.pending = nil
	for _, l := range t.listeners {
		l.AfterFlush(ctx, t, changes)
	}
	return nil
}

// Begin starts a sub-transaction backed by a savepoint
func (t *Tx) Begin(ctx context.Context) (*Tx, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.children++
	child := &Tx{
		parent:    t,
		depth:     t.depth + 1,
		savepoint: fmt.Sprintf("sp_%d_%d", t.depth+1, t.children),
		listeners: t.listeners,
	}
	if sqlTx := t.SQL(); sqlTx != nil {
		if _, err := sqlTx.ExecContext(ctx, "SAVEPOINT "+child.savepoint); err != nil {
			return nil, fmt.Errorf("failed to create savepoint: %w", err)
		}
	}
	return child, nil
}

// Transaction runs fn inside a sub-transaction
func (t *Tx) Transaction(ctx context.Context, fn func(*Tx) error) error {
	child, err := t.Begin(ctx)
	if err != nil {
		return err
	}
	return run(ctx, child, fn)
}

// Commit flushes pending mutations and commits. Nested commits release their
// savepoint and hand their commit callbacks to the parent.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.Flush(ctx); err != nil {
		return err
	}
	t.done = true

	if t.parent != nil {
		if sqlTx := t.SQL(); sqlTx != nil {
			if _, err := sqlTx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
				return fmt.Errorf("failed to release savepoint: %w", err)
			}
		}
		t.parent.onCommit = append(t.parent.onCommit, t.onCommit...)
	} else {
		if t.sqlTx != nil {
			if err := t.sqlTx.Commit(); err != nil {
				return fmt.Errorf("failed to commit transaction: %w", err)
			}
		}
		for _, fn := range t.onCommit {
			fn()
		}
	}
	t.onCommit = nil

	for _, l := range t.listeners {
		l.AfterCommit(ctx, t)
	}
	return nil
}

// Rollback discards the transaction. Rolling back a finished transaction is
// a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.pending = nil
	t.onCommit = nil

	var err error
	if t.parent != nil {
		if sqlTx := t.SQL(); sqlTx != nil {
			if _, execErr := sqlTx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); execErr != nil {
				err = fmt.Errorf("failed to roll back savepoint: %w", execErr)
			}
		}
	} else if t.sqlTx != nil {
		if rbErr := t.sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("failed to roll back transaction: %w", rbErr)
		}
	}

	for _, l := range t.listeners {
		if rl, ok := l.(RollbackListener); ok {
			rl.AfterRollback(ctx, t)
		}
	}
	return err
}
