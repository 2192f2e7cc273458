// Package storetest opens throwaway in-memory SQLite databases with the
// production schema, for store and guard tests.
package storetest

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"marginalia/api/internal/expr"
	"marginalia/api/internal/store"
)

// Schema mirrors db/migrations in SQLite terms. Column declarations use the
// TIMESTAMP decltype so time.Time values round-trip through the driver.
const schema = `
CREATE TABLE users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL,
    verified BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE groups (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    default_permissions INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE memberships (
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
    permissions INTEGER NOT NULL DEFAULT 0,
    is_owner BOOLEAN NOT NULL DEFAULT FALSE,
    accepted BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, group_id)
);

CREATE TABLE documents (
    id TEXT PRIMARY KEY,
    group_id TEXT REFERENCES groups(id) ON DELETE CASCADE,
    user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    visibility TEXT NOT NULL DEFAULT 'PRIVATE',
    view_mode TEXT NOT NULL DEFAULT 'VIEW_RESTRICTED',
    created_at TIMESTAMP NOT NULL,
    CHECK ((group_id IS NULL) <> (user_id IS NULL))
);

CREATE TABLE comments (
    id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    parent_id TEXT REFERENCES comments(id) ON DELETE CASCADE,
    visibility TEXT NOT NULL DEFAULT 'PUBLIC',
    body TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE reaction_types (
    id TEXT PRIMARY KEY,
    emoji TEXT NOT NULL,
    weight INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE reactions (
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    comment_id TEXT NOT NULL REFERENCES comments(id) ON DELETE CASCADE,
    type_id TEXT NOT NULL REFERENCES reaction_types(id) ON DELETE CASCADE,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, comment_id)
);

CREATE TABLE share_links (
    id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
    token TEXT NOT NULL UNIQUE,
    permissions INTEGER NOT NULL DEFAULT 0,
    password_hash TEXT,
    expires_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);
`

// Open returns a Store backed by a fresh in-memory SQLite database. The
// connection pool is capped at one so every statement sees the same
// :memory: database.
func Open(t *testing.T) *store.Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return store.New(db, expr.SQLite)
}
