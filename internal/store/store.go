// Package store is the relational persistence layer. It executes guard
// clauses and filter conditions compiled by internal/expr, and hydrates the
// object graphs the guard predicates walk.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"marginalia/api/internal/expr"
	"marginalia/api/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db      *sql.DB
	dialect expr.Dialect
}

// New wraps an open database. The dialect must match the driver: Postgres in
// production, SQLite in tests.
func New(db *sql.DB, dialect expr.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// EvalClause evaluates a closed boolean expression, typically a guard's
// single-resource clause. A false result covers both "absent" and
// "forbidden"; callers pick the outward meaning.
func (s *Store) EvalClause(ctx context.Context, e expr.Expr) (bool, error) {
	if e == nil {
		return false, nil
	}
	cond, args := expr.Compile(e, s.dialect)
	var ok bool
	if err := s.db.QueryRowContext(ctx, "SELECT "+cond, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("eval clause: %w", err)
	}
	return ok, nil
}

// Count counts the rows of table matching the condition.
func (s *Store) Count(ctx context.Context, table string, where expr.Expr) (int, error) {
	cond, args := expr.Compile(where, s.dialect)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+cond, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Select returns matching rows as column-keyed maps, in orderBy order.
// Column names are qualified with the table in SQL but stay bare as map
// keys. Limit and offset are trusted integers, not user input.
func (s *Store) Select(ctx context.Context, table string, cols []string, where expr.Expr, orderBy string, limit, offset int) ([]map[string]any, error) {
	cond, args := expr.Compile(where, s.dialect)
	qualified := make([]string, len(cols))
	for i, col := range cols {
		qualified[i] = table + "." + col
	}
	var q strings.Builder
	q.WriteString("SELECT ")
	q.WriteString(strings.Join(qualified, ", "))
	q.WriteString(" FROM ")
	q.WriteString(table)
	q.WriteString(" WHERE ")
	q.WriteString(cond)
	if orderBy != "" {
		q.WriteString(" ORDER BY ")
		q.WriteString(orderBy)
	}
	fmt.Fprintf(&q, " LIMIT %d OFFSET %d", limit, offset)

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	items := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		targets := make([]any, len(cols))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		item := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				values[i] = string(b)
			}
			item[col] = values[i]
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return items, nil
}

// ---- users ----

func (s *Store) InsertUser(ctx context.Context, u model.User) error {
	_, err := s.exec(ctx, `
		INSERT INTO users (id, email, display_name, verified, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.Email, u.DisplayName, u.Verified, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := s.queryRow(ctx, `SELECT id, email, display_name, verified, created_at FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Email, &u.DisplayName, &u.Verified, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := s.queryRow(ctx, `SELECT id, email, display_name, verified, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.DisplayName, &u.Verified, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// GetUserGraph loads a user with their memberships, each membership carrying
// its group and the group's full membership list. This is the graph
// must_share_group predicates walk.
func (s *Store) GetUserGraph(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	own, err := s.listMemberships(ctx, `user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	for _, m := range own {
		group, err := s.GetGroupGraph(ctx, m.GroupID)
		if err != nil {
			return nil, err
		}
		m.Group = group
	}
	u.Memberships = own
	return u, nil
}

// ---- groups and memberships ----

func (s *Store) InsertGroup(ctx context.Context, g model.Group) error {
	_, err := s.exec(ctx, `
		INSERT INTO groups (id, name, default_permissions, created_at)
		VALUES ($1, $2, $3, $4)
	`, g.ID, g.Name, int64(g.DefaultPermissions), g.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

// GetGroupGraph loads a group with all of its memberships attached.
func (s *Store) GetGroupGraph(ctx context.Context, groupID string) (*model.Group, error) {
	var g model.Group
	var perms int64
	err := s.queryRow(ctx, `SELECT id, name, default_permissions, created_at FROM groups WHERE id = $1`, groupID).
		Scan(&g.ID, &g.Name, &perms, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	g.DefaultPermissions = model.Permission(perms)

	members, err := s.listMemberships(ctx, `group_id = $1`, groupID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		m.Group = &g
	}
	g.Memberships = members
	return &g, nil
}

func (s *Store) listMemberships(ctx context.Context, cond string, arg any) ([]*model.Membership, error) {
	query := `SELECT user_id, group_id, permissions, is_owner, accepted, created_at FROM memberships WHERE ` + cond
	rows, err := s.db.QueryContext(ctx, s.sql(query), arg)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	items := make([]*model.Membership, 0)
	for rows.Next() {
		var m model.Membership
		var perms int64
		if err := rows.Scan(&m.UserID, &m.GroupID, &perms, &m.IsOwner, &m.Accepted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Permissions = model.Permission(perms)
		items = append(items, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return items, nil
}

// UpsertMembership creates or refreshes a membership row; share-link
// redemption re-uses it so redeeming twice is harmless.
func (s *Store) UpsertMembership(ctx context.Context, m model.Membership) error {
	_, err := s.exec(ctx, `
		INSERT INTO memberships (user_id, group_id, permissions, is_owner, accepted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, group_id) DO UPDATE
		SET permissions = excluded.permissions, is_owner = excluded.is_owner, accepted = excluded.accepted
	`, m.UserID, m.GroupID, int64(m.Permissions), m.IsOwner, m.Accepted, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// ---- documents ----

func (s *Store) InsertDocument(ctx context.Context, d model.Document) error {
	_, err := s.exec(ctx, `
		INSERT INTO documents (id, group_id, user_id, title, visibility, view_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.GroupID, d.UserID, d.Title, d.Visibility, d.ViewMode, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, documentID string) (*model.Document, error) {
	var d model.Document
	var groupID, userID sql.NullString
	err := s.queryRow(ctx, `
		SELECT id, group_id, user_id, title, visibility, view_mode, created_at
		FROM documents WHERE id = $1
	`, documentID).Scan(&d.ID, &groupID, &userID, &d.Title, &d.Visibility, &d.ViewMode, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	d.GroupID = nullString(groupID)
	d.UserID = nullString(userID)
	return &d, nil
}

// GetDocumentGraph loads a document with its owning group's memberships.
func (s *Store) GetDocumentGraph(ctx context.Context, documentID string) (*model.Document, error) {
	d, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if d.GroupID != nil {
		group, err := s.GetGroupGraph(ctx, *d.GroupID)
		if err != nil {
			return nil, err
		}
		d.Group = group
	}
	return d, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.exec(ctx, `DELETE FROM documents WHERE id = $1`, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// ---- comments ----

func (s *Store) InsertComment(ctx context.Context, c model.Comment) error {
	_, err := s.exec(ctx, `
		INSERT INTO comments (id, document_id, user_id, parent_id, visibility, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.DocumentID, c.UserID, c.ParentID, c.Visibility, c.Body, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *Store) GetComment(ctx context.Context, commentID string) (*model.Comment, error) {
	var c model.Comment
	var parentID sql.NullString
	err := s.queryRow(ctx, `
		SELECT id, document_id, user_id, parent_id, visibility, body, created_at
		FROM comments WHERE id = $1
	`, commentID).Scan(&c.ID, &c.DocumentID, &c.UserID, &parentID, &c.Visibility, &c.Body, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get comment: %w", err)
	}
	c.ParentID = nullString(parentID)
	return &c, nil
}

// GetCommentGraph loads a comment with its document and membership graph.
func (s *Store) GetCommentGraph(ctx context.Context, commentID string) (*model.Comment, error) {
	c, err := s.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	doc, err := s.GetDocumentGraph(ctx, c.DocumentID)
	if err != nil {
		return nil, err
	}
	c.Document = doc
	return c, nil
}

func (s *Store) DeleteComment(ctx context.Context, commentID string) error {
	if _, err := s.exec(ctx, `DELETE FROM comments WHERE id = $1`, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// ---- reactions ----

func (s *Store) InsertReactionType(ctx context.Context, rt model.ReactionType) error {
	_, err := s.exec(ctx, `
		INSERT INTO reaction_types (id, emoji, weight) VALUES ($1, $2, $3)
	`, rt.ID, rt.Emoji, rt.Weight)
	if err != nil {
		return fmt.Errorf("insert reaction type: %w", err)
	}
	return nil
}

func (s *Store) InsertReaction(ctx context.Context, r model.Reaction) error {
	_, err := s.exec(ctx, `
		INSERT INTO reactions (user_id, comment_id, type_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, r.UserID, r.CommentID, r.TypeID, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	return nil
}

// GetReactionGraph loads a reaction with its parent comment graph attached.
func (s *Store) GetReactionGraph(ctx context.Context, userID, commentID string) (*model.Reaction, error) {
	var r model.Reaction
	err := s.queryRow(ctx, `
		SELECT user_id, comment_id, type_id, created_at
		FROM reactions WHERE user_id = $1 AND comment_id = $2
	`, userID, commentID).Scan(&r.UserID, &r.CommentID, &r.TypeID, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reaction: %w", err)
	}
	comment, err := s.GetCommentGraph(ctx, r.CommentID)
	if err != nil {
		return nil, err
	}
	r.Comment = comment
	return &r, nil
}

func (s *Store) DeleteReaction(ctx context.Context, userID, commentID string) error {
	if _, err := s.exec(ctx, `DELETE FROM reactions WHERE user_id = $1 AND comment_id = $2`, userID, commentID); err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

// ---- share links ----

func (s *Store) InsertShareLink(ctx context.Context, l model.ShareLink) error {
	_, err := s.exec(ctx, `
		INSERT INTO share_links (id, group_id, token, permissions, password_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, l.ID, l.GroupID, l.Token, int64(l.Permissions), l.PasswordHash, l.ExpiresAt, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert share link: %w", err)
	}
	return nil
}

func (s *Store) GetShareLinkByToken(ctx context.Context, token string) (*model.ShareLink, error) {
	return s.getShareLink(ctx, `token = $1`, token)
}

func (s *Store) GetShareLinkByID(ctx context.Context, linkID string) (*model.ShareLink, error) {
	return s.getShareLink(ctx, `id = $1`, linkID)
}

func (s *Store) getShareLink(ctx context.Context, cond string, arg any) (*model.ShareLink, error) {
	var l model.ShareLink
	var perms int64
	var passwordHash sql.NullString
	var expiresAt sql.NullTime
	err := s.queryRow(ctx, `
		SELECT id, group_id, token, permissions, password_hash, expires_at, created_at
		FROM share_links WHERE `+cond, arg).
		Scan(&l.ID, &l.GroupID, &l.Token, &perms, &passwordHash, &expiresAt, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get share link: %w", err)
	}
	l.Permissions = model.Permission(perms)
	l.PasswordHash = nullString(passwordHash)
	if expiresAt.Valid {
		t := expiresAt.Time
		l.ExpiresAt = &t
	}
	group, err := s.GetGroupGraph(ctx, l.GroupID)
	if err != nil {
		return nil, err
	}
	l.Group = group
	return &l, nil
}

func (s *Store) DeleteShareLink(ctx context.Context, linkID string) error {
	if _, err := s.exec(ctx, `DELETE FROM share_links WHERE id = $1`, linkID); err != nil {
		return fmt.Errorf("delete share link: %w", err)
	}
	return nil
}

// ---- dialect plumbing ----

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.sql(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.sql(query), args...)
}

// sql rewrites $N placeholders to ? for the sqlite test backend. Statements
// in this package use each placeholder exactly once, in order.
func (s *Store) sql(query string) string {
	if s.dialect == expr.Postgres {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
