// Package model holds the entities the access rules range over. Each entity
// adapts itself to expr.Row so a hydrated object graph can be evaluated by
// the same expression trees that filter database queries.
package model

import (
	"time"

	"marginalia/api/internal/expr"
)

// Permission is a bit set of capabilities granted through a membership or a
// share link.
type Permission int64

const (
	PermAdministrator Permission = 1 << iota
	PermAddComments
	PermRemoveComments
	PermViewRestrictedComments
	PermAddMembers
	PermRemoveMembers
	PermManagePermissions
	PermAddDocuments
	PermViewRestrictedDocuments
	PermRemoveDocuments
	PermRemoveReactions
	PermAddReactions
	PermManageTags
)

// Has reports whether p contains every bit of q.
func (p Permission) Has(q Permission) bool {
	return p&q == q
}

// Document visibility and comment gating modes. ViewMode controls who may
// read non-public comments, independent of the document's own visibility.
const (
	VisibilityPrivate = "PRIVATE"
	VisibilityPublic  = "PUBLIC"

	ViewModeRestricted = "RESTRICTED"
	ViewModePublic     = "PUBLIC"

	CommentPrivate    = "PRIVATE"
	CommentRestricted = "RESTRICTED"
	CommentPublic     = "PUBLIC"
)

// Resource is an entity that access rules can be evaluated against.
type Resource interface {
	expr.Row
	Table() string
}

type User struct {
	ID          string
	Email       string
	DisplayName string
	Verified    bool
	CreatedAt   time.Time

	Memberships []*Membership
}

type Group struct {
	ID                 string
	Name               string
	DefaultPermissions Permission
	CreatedAt          time.Time

	Memberships []*Membership
}

type Membership struct {
	UserID      string
	GroupID     string
	Permissions Permission
	IsOwner     bool
	Accepted    bool
	CreatedAt   time.Time

	Group *Group
}

// Document is owned either by a group or directly by a user, never both.
type Document struct {
	ID         string
	GroupID    *string
	UserID     *string
	Title      string
	Visibility string
	ViewMode   string
	CreatedAt  time.Time

	Group *Group
}

type Comment struct {
	ID         string
	DocumentID string
	UserID     string
	ParentID   *string
	Visibility string
	Body       string
	CreatedAt  time.Time

	Document *Document
}

// IsReply reports whether the comment is a reply rather than a root comment.
func (c *Comment) IsReply() bool {
	return c.ParentID != nil
}

type ReactionType struct {
	ID     string
	Emoji  string
	Weight int
}

type Reaction struct {
	UserID    string
	CommentID string
	TypeID    string
	CreatedAt time.Time

	Comment *Comment
}

type ShareLink struct {
	ID           string
	GroupID      string
	Token        string
	Permissions  Permission
	PasswordHash *string
	ExpiresAt    *time.Time
	CreatedAt    time.Time

	Group *Group
}

// Expired reports whether the link is past its expiry, if it has one.
func (l *ShareLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

func (u *User) Table() string      { return "users" }
func (g *Group) Table() string     { return "groups" }
func (m *Membership) Table() string { return "memberships" }
func (d *Document) Table() string  { return "documents" }
func (c *Comment) Table() string   { return "comments" }
func (r *Reaction) Table() string  { return "reactions" }
func (l *ShareLink) Table() string { return "share_links" }

func (u *User) Value(column string) any {
	switch column {
	case "id":
		return u.ID
	case "email":
		return u.Email
	case "display_name":
		return u.DisplayName
	case "verified":
		return u.Verified
	case "created_at":
		return u.CreatedAt
	}
	return nil
}

func (u *User) Related(table string) []expr.Row {
	if table == "memberships" {
		return rows(u.Memberships)
	}
	return nil
}

func (g *Group) Value(column string) any {
	switch column {
	case "id":
		return g.ID
	case "name":
		return g.Name
	case "default_permissions":
		return int64(g.DefaultPermissions)
	case "created_at":
		return g.CreatedAt
	}
	return nil
}

func (g *Group) Related(table string) []expr.Row {
	if table == "memberships" {
		return rows(g.Memberships)
	}
	return nil
}

func (m *Membership) Value(column string) any {
	switch column {
	case "user_id":
		return m.UserID
	case "group_id":
		return m.GroupID
	case "permissions":
		return int64(m.Permissions)
	case "is_owner":
		return m.IsOwner
	case "accepted":
		return m.Accepted
	case "created_at":
		return m.CreatedAt
	}
	return nil
}

func (m *Membership) Related(table string) []expr.Row {
	// Sibling memberships of the same group, for shared-group checks.
	if table == "memberships" {
		if m.Group == nil {
			return []expr.Row{}
		}
		return rows(m.Group.Memberships)
	}
	return nil
}

func (d *Document) Value(column string) any {
	switch column {
	case "id":
		return d.ID
	case "group_id":
		return d.GroupID
	case "user_id":
		return d.UserID
	case "title":
		return d.Title
	case "visibility":
		return d.Visibility
	case "view_mode":
		return d.ViewMode
	case "created_at":
		return d.CreatedAt
	}
	return nil
}

func (d *Document) Related(table string) []expr.Row {
	switch table {
	case "memberships":
		if d.Group == nil {
			return []expr.Row{}
		}
		return rows(d.Group.Memberships)
	case "groups":
		if d.Group == nil {
			return []expr.Row{}
		}
		return []expr.Row{d.Group}
	}
	return nil
}

func (c *Comment) Value(column string) any {
	switch column {
	case "id":
		return c.ID
	case "document_id":
		return c.DocumentID
	case "user_id":
		return c.UserID
	case "parent_id":
		return c.ParentID
	case "visibility":
		return c.Visibility
	case "body":
		return c.Body
	case "created_at":
		return c.CreatedAt
	}
	return nil
}

func (c *Comment) Related(table string) []expr.Row {
	if table == "documents" {
		if c.Document == nil {
			return []expr.Row{}
		}
		return []expr.Row{c.Document}
	}
	return nil
}

func (r *Reaction) Value(column string) any {
	switch column {
	case "user_id":
		return r.UserID
	case "comment_id":
		return r.CommentID
	case "type_id":
		return r.TypeID
	case "created_at":
		return r.CreatedAt
	}
	return nil
}

func (r *Reaction) Related(table string) []expr.Row {
	if table == "comments" {
		if r.Comment == nil {
			return []expr.Row{}
		}
		return []expr.Row{r.Comment}
	}
	return nil
}

func (l *ShareLink) Value(column string) any {
	switch column {
	case "id":
		return l.ID
	case "group_id":
		return l.GroupID
	case "token":
		return l.Token
	case "permissions":
		return int64(l.Permissions)
	case "password_hash":
		return l.PasswordHash
	case "expires_at":
		return l.ExpiresAt
	case "created_at":
		return l.CreatedAt
	}
	return nil
}

func (l *ShareLink) Related(table string) []expr.Row {
	switch table {
	case "memberships":
		if l.Group == nil {
			return []expr.Row{}
		}
		return rows(l.Group.Memberships)
	case "groups":
		if l.Group == nil {
			return []expr.Row{}
		}
		return []expr.Row{l.Group}
	}
	return nil
}

func rows[T expr.Row](xs []T) []expr.Row {
	out := make([]expr.Row, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}
