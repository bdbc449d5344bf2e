package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

// ErrInitTimeout reports that the memory backend could not be brought up
// within its deadline. The wrapped message names the stage that stalled.
var ErrInitTimeout = errors.New("storage engine initialization timed out")

const (
	snapshotBucket = "snapshots"
	snapshotKey    = "db"

	defaultDebounce = time.Second
)

// MemoryOptions configures the in-memory backend.
type MemoryOptions struct {
	// SnapshotPath is the blob store file holding the database snapshot.
	SnapshotPath string
	// Debounce is the idle window before a mutation triggers a snapshot
	// save. Zero means the 1s default.
	Debounce time.Duration
}

var memoryDBSeq atomic.Int64

// OpenMemory brings up the in-memory backend: open the snapshot store,
// load a previous snapshot if one exists, start the engine, restore the
// snapshot into it and apply the schema. The whole sequence is bounded by
// ctx; on expiry the caller gets ErrInitTimeout naming the stalled stage
// instead of blocking indefinitely.
func OpenMemory(ctx context.Context, opts MemoryOptions, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SnapshotPath == "" {
		return nil, errors.New("memory backend requires a snapshot path")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w (stage %q): %v", ErrInitTimeout, "starting", err)
	}

	type outcome struct {
		db  *DB
		err error
	}
	stage := &initStage{name: "starting"}
	ch := make(chan outcome, 1)
	go func() {
		db, err := openMemory(ctx, opts, logger, stage)
		ch <- outcome{db: db, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.db, nil
	case <-ctx.Done():
		// Reap the backend if the stalled stage eventually completes.
		go func() {
			if out := <-ch; out.db != nil {
				out.db.Close()
			}
		}()
		return nil, fmt.Errorf("%w (stage %q): %v", ErrInitTimeout, stage.get(), ctx.Err())
	}
}

func openMemory(ctx context.Context, opts MemoryOptions, logger *slog.Logger, stage *initStage) (*DB, error) {
	stage.set("opening snapshot store")
	blobStore, err := bbolt.Open(opts.SnapshotPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store %s: %w", opts.SnapshotPath, err)
	}

	stage.set("loading snapshot")
	blob, err := loadSnapshot(blobStore)
	if err != nil {
		blobStore.Close()
		return nil, err
	}

	stage.set("starting engine")
	// A unique shared-cache name keeps every pooled connection on the same
	// in-memory database.
	dsn := fmt.Sprintf("file:deckstudy-mem-%d?mode=memory&cache=shared", memoryDBSeq.Add(1))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		blobStore.Close()
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		blobStore.Close()
		return nil, fmt.Errorf("connect to in-memory database: %w", err)
	}

	if blob != nil {
		stage.set("restoring snapshot")
		if err := restoreSnapshot(ctx, conn, blob); err != nil {
			conn.Close()
			blobStore.Close()
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
		logger.Info("Restored database snapshot", "bytes", len(blob))
	}

	stage.set("applying schema")
	db := &DB{conn: conn, logger: logger}
	if err := db.Exec(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		conn.Close()
		blobStore.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if err := db.Exec(ctx, schema); err != nil {
		conn.Close()
		blobStore.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	db.snap = &snapshotter{
		window: opts.Debounce,
		store:  blobStore,
		conn:   conn,
		logger: logger,
	}
	return db, nil
}

func loadSnapshot(store *bbolt.DB) ([]byte, error) {
	var blob []byte
	err := store.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucket))
		if b == nil {
			return nil
		}
		if data := b.Get([]byte(snapshotKey)); data != nil {
			blob = make([]byte, len(data))
			copy(blob, data)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return blob, nil
}

// restoreSnapshot attaches the snapshot bytes as a second database and
// copies its tables into the live in-memory one. It runs before the schema
// is applied, so the restored tables never collide with fresh ones.
func restoreSnapshot(ctx context.Context, conn *sql.DB, blob []byte) error {
	tmp, err := os.CreateTemp("", "deckstudy-restore-*.db")
	if err != nil {
		return fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot file: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE "+quoteSQLString(tmpPath)+" AS snap"); err != nil {
		return fmt.Errorf("attach snapshot: %w", err)
	}
	defer conn.ExecContext(ctx, "DETACH DATABASE snap")

	rows, err := conn.QueryContext(ctx,
		"SELECT name, sql FROM snap.sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND sql IS NOT NULL")
	if err != nil {
		return fmt.Errorf("read snapshot tables: %w", err)
	}
	defer rows.Close()

	type table struct{ name, ddl string }
	var tables []table
	for rows.Next() {
		var t table
		if err := rows.Scan(&t.name, &t.ddl); err != nil {
			return fmt.Errorf("scan snapshot table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate snapshot tables: %w", err)
	}

	for _, t := range tables {
		if _, err := conn.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("recreate table %s: %w", t.name, err)
		}
		copyStmt := fmt.Sprintf("INSERT INTO main.%q SELECT * FROM snap.%q", t.name, t.name)
		if _, err := conn.ExecContext(ctx, copyStmt); err != nil {
			return fmt.Errorf("copy table %s: %w", t.name, err)
		}
	}
	return nil
}

// snapshotter persists the in-memory database to the blob store after a
// trailing-debounce idle window. A burst of writes produces one save.
type snapshotter struct {
	window time.Duration
	store  *bbolt.DB
	conn   *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool

	saveMu sync.Mutex
}

// schedule arms (or re-arms) the pending save. Calling it again within the
// window cancels the earlier timer, so only the last mutation of a burst
// triggers the write.
func (s *snapshotter) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.window, func() {
		if err := s.saveNow(); err != nil {
			s.logger.Warn("Snapshot save failed", "error", err)
		}
	})
}

func (s *snapshotter) flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.saveNow()
}

func (s *snapshotter) close() error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	saveErr := s.saveNow()
	closeErr := s.store.Close()
	if saveErr != nil {
		return saveErr
	}
	return closeErr
}

func (s *snapshotter) saveNow() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	blob, err := serializeDatabase(s.conn)
	if err != nil {
		return err
	}
	err = s.store.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(snapshotKey), blob)
	})
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func serializeDatabase(conn *sql.DB) ([]byte, error) {
	tmp, err := os.CreateTemp("", "deckstudy-snap-*.db")
	if err != nil {
		return nil, fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	if _, err := conn.Exec("VACUUM INTO " + quoteSQLString(tmpPath)); err != nil {
		return nil, fmt.Errorf("serialize database: %w", err)
	}
	blob, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("read serialized database: %w", err)
	}
	return blob, nil
}

func quoteSQLString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

type initStage struct {
	mu   sync.Mutex
	name string
}

func (s *initStage) set(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *initStage) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}
