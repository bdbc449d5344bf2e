package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// OpenNative opens (or creates) the on-device database file, enables
// write-ahead logging and applies the schema.
func OpenNative(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to database %s: %w", path, err)
	}

	db := &DB{conn: conn, logger: logger}
	if err := db.Exec(ctx, "PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if err := db.Exec(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// OpenPackageDB opens an extracted package database read-only. No schema is
// applied; the caller only probes and reads it.
func OpenPackageDB(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open package database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to package database: %w", err)
	}
	return &DB{conn: conn, logger: slog.Default()}, nil
}
