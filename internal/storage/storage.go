package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// Store is the uniform storage API shared by both backends. Every query in
// the rest of the program goes through it, so import and study code never
// know which backend they are talking to.
type Store interface {
	// Exec runs one or more non-parameterized statements as a batch.
	Exec(ctx context.Context, stmts string) error
	// Run executes a single parameterized mutating statement.
	Run(ctx context.Context, query string, params ...any) (Result, error)
	// GetAll returns every result row, in result order.
	GetAll(ctx context.Context, query string, params ...any) ([]Row, error)
	// GetFirst returns the first result row, or nil when there is none.
	GetFirst(ctx context.Context, query string, params ...any) (Row, error)
	// WithTx runs fn inside a transaction. A non-nil error from fn rolls
	// everything back and is returned unmodified.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Result reports the outcome of a mutating statement.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// DB is a Store over an embedded sqlite engine. The native backend writes
// straight to a database file; the memory backend holds the database in
// memory and snapshots it to a blob store (see OpenMemory).
type DB struct {
	conn   *sql.DB
	snap   *snapshotter // nil for the native and read-only backends
	logger *slog.Logger
}

// runner is the subset of *sql.DB and *sql.Tx the generic helpers need.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (db *DB) Exec(ctx context.Context, stmts string) error {
	if _, err := db.conn.ExecContext(ctx, stmts); err != nil {
		return fmt.Errorf("exec batch: %w", err)
	}
	db.markDirty()
	return nil
}

func (db *DB) Run(ctx context.Context, query string, params ...any) (Result, error) {
	res, err := runOn(ctx, db.conn, query, params)
	if err != nil {
		return Result{}, err
	}
	db.markDirty()
	return res, nil
}

func (db *DB) GetAll(ctx context.Context, query string, params ...any) ([]Row, error) {
	return getAllOn(ctx, db.conn, query, params)
}

func (db *DB) GetFirst(ctx context.Context, query string, params ...any) (Row, error) {
	return getFirstOn(ctx, db.conn, query, params)
}

func (db *DB) WithTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&txStore{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Warn("Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	db.markDirty()
	return nil
}

// Flush persists any pending snapshot immediately instead of waiting out
// the debounce window. It is a no-op for the native backend.
func (db *DB) Flush() error {
	if db.snap == nil {
		return nil
	}
	return db.snap.flush()
}

// Close flushes pending snapshot state and closes the engine.
func (db *DB) Close() error {
	if db.snap != nil {
		if err := db.snap.close(); err != nil {
			db.logger.Warn("Snapshot flush on close failed", "error", err)
		}
	}
	return db.conn.Close()
}

func (db *DB) markDirty() {
	if db.snap != nil {
		db.snap.schedule()
	}
}

// txStore is the Store view of an open transaction. Statements issued
// through a nested WithTx join the enclosing transaction.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) Exec(ctx context.Context, stmts string) error {
	if _, err := t.tx.ExecContext(ctx, stmts); err != nil {
		return fmt.Errorf("exec batch: %w", err)
	}
	return nil
}

func (t *txStore) Run(ctx context.Context, query string, params ...any) (Result, error) {
	return runOn(ctx, t.tx, query, params)
}

func (t *txStore) GetAll(ctx context.Context, query string, params ...any) ([]Row, error) {
	return getAllOn(ctx, t.tx, query, params)
}

func (t *txStore) GetFirst(ctx context.Context, query string, params ...any) (Row, error) {
	return getFirstOn(ctx, t.tx, query, params)
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func runOn(ctx context.Context, r runner, query string, params []any) (Result, error) {
	res, err := r.ExecContext(ctx, query, normalizeParams(params)...)
	if err != nil {
		return Result{}, fmt.Errorf("run statement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Result{}, fmt.Errorf("rows affected: %w", err)
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return Result{}, fmt.Errorf("last insert id: %w", err)
	}
	return Result{RowsAffected: affected, LastInsertID: lastID}, nil
}

func getAllOn(ctx context.Context, r runner, query string, params []any) ([]Row, error) {
	rows, err := r.QueryContext(ctx, query, normalizeParams(params)...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func getFirstOn(ctx context.Context, r runner, query string, params []any) (Row, error) {
	rows, err := getAllOn(ctx, r, query, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// normalizeParams flattens a lone slice argument so callers can pass either
// a scalar or a prepared parameter sequence.
func normalizeParams(params []any) []any {
	if len(params) == 1 {
		if seq, ok := params[0].([]any); ok {
			return seq
		}
	}
	return params
}
