package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"

	"marginalia/api/internal/config"
	"marginalia/api/internal/filter"
	"marginalia/api/internal/guard"
	"marginalia/api/internal/model"
	"marginalia/api/internal/query"
	"marginalia/api/internal/session"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

// Service wires guards, filter registries and the store into the API
// operations. Guards are built per call because rules close over the
// principal-independent permission requirement, not the principal.
type Service struct {
	store    *store.Store
	sessions *session.RedisStore
	cfg      config.Config

	documents *querySurface
	comments  *querySurface
	users     *querySurface
}

// querySurface pairs a resource's filter registry with its listing
// projection.
type querySurface struct {
	registry *filter.Registry
	columns  []string
}

func NewService(st *store.Store, sessions *session.RedisStore, cfg config.Config) *Service {
	return &Service{
		store:     st,
		sessions:  sessions,
		cfg:       cfg,
		documents: &querySurface{registry: query.DocumentFields(), columns: query.DocumentColumns()},
		comments:  &querySurface{registry: query.CommentFields(), columns: query.CommentColumns()},
		users:     &querySurface{registry: query.UserFields(), columns: query.UserColumns()},
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.DB().PingContext(ctx)
}

// ---- sessions ----

type Session struct {
	Token     string
	UserID    string
	Principal *model.User
}

// Login issues a session token for an existing account. Credential checking
// lives outside this API.
func (s *Service) Login(ctx context.Context, email string) (Session, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, domainError(http.StatusUnauthorized, "UNKNOWN_ACCOUNT", "Unknown account", nil)
	}
	if err != nil {
		return Session{}, err
	}
	token := util.NewToken()
	if err := s.sessions.SaveSession(ctx, token, user.ID); err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	return Session{Token: token, UserID: user.ID, Principal: user}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.RevokeSession(ctx, token)
}

// Principal resolves a session token to the user's full membership graph,
// which is what guard predicates walk.
func (s *Service) Principal(ctx context.Context, token string) (*model.User, error) {
	userID, err := s.sessions.LookupSession(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUserGraph(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, session.ErrNoSession
	}
	return user, err
}

// ---- accounts and groups ----

func (s *Service) CreateUser(ctx context.Context, email, displayName string) (map[string]any, error) {
	if email == "" || displayName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email and display_name are required", nil)
	}
	user := model.User{
		ID:          util.NewID("usr"),
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertUser(ctx, user); err != nil {
		return nil, err
	}
	return map[string]any{"id": user.ID, "email": user.Email, "display_name": user.DisplayName}, nil
}

func (s *Service) CreateGroup(ctx context.Context, principal *model.User, name string, defaultPerms model.Permission) (map[string]any, error) {
	if principal == nil {
		return nil, errUnauthorized()
	}
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	group := model.Group{
		ID:                 util.NewID("grp"),
		Name:               name,
		DefaultPermissions: defaultPerms,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.store.InsertGroup(ctx, group); err != nil {
		return nil, err
	}
	owner := model.Membership{
		UserID:    principal.ID,
		GroupID:   group.ID,
		IsOwner:   true,
		Accepted:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertMembership(ctx, owner); err != nil {
		return nil, err
	}
	return map[string]any{"id": group.ID, "name": group.Name}, nil
}

// InviteMember creates a pending membership. It does not grant access until
// the invitee accepts.
func (s *Service) InviteMember(ctx context.Context, principal *model.User, groupID, userID string, perms model.Permission) error {
	if err := s.authorize(ctx, guard.GroupAccess(model.PermAddMembers, false), principal, guard.Params{"group_id": groupID}); err != nil {
		return err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound()
		}
		return err
	}
	return s.store.UpsertMembership(ctx, model.Membership{
		UserID:      userID,
		GroupID:     groupID,
		Permissions: perms,
		CreatedAt:   time.Now().UTC(),
	})
}

// AcceptInvite flips the principal's own pending membership to accepted and
// folds in the group's default permission grant.
func (s *Service) AcceptInvite(ctx context.Context, principal *model.User, groupID string) error {
	if principal == nil {
		return errUnauthorized()
	}
	group, err := s.store.GetGroupGraph(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return errNotFound()
	}
	if err != nil {
		return err
	}
	for _, m := range group.Memberships {
		if m.UserID != principal.ID {
			continue
		}
		m.Accepted = true
		m.Permissions |= group.DefaultPermissions
		return s.store.UpsertMembership(ctx, *m)
	}
	return errNotFound()
}

// ---- documents ----

func (s *Service) CreateDocument(ctx context.Context, principal *model.User, groupID, title, visibility, viewMode string) (map[string]any, error) {
	if principal == nil {
		return nil, errUnauthorized()
	}
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if visibility == "" {
		visibility = model.VisibilityPrivate
	}
	if viewMode == "" {
		viewMode = model.ViewModeRestricted
	}
	if visibility != model.VisibilityPrivate && visibility != model.VisibilityPublic {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid visibility", nil)
	}
	if viewMode != model.ViewModeRestricted && viewMode != model.ViewModePublic {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid view_mode", nil)
	}

	doc := model.Document{
		ID:         util.NewID("doc"),
		Title:      title,
		Visibility: visibility,
		ViewMode:   viewMode,
		CreatedAt:  time.Now().UTC(),
	}
	if groupID == "" {
		doc.UserID = &principal.ID
	} else {
		if err := s.authorize(ctx, guard.GroupAccess(model.PermAddDocuments, false), principal, guard.Params{"group_id": groupID}); err != nil {
			return nil, err
		}
		doc.GroupID = &groupID
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	return map[string]any{"id": doc.ID, "title": doc.Title, "visibility": doc.Visibility, "view_mode": doc.ViewMode}, nil
}

func (s *Service) GetDocument(ctx context.Context, principal *model.User, documentID string) (map[string]any, error) {
	if err := s.authorize(ctx, guard.DocumentAccess(0), principal, guard.Params{"document_id": documentID}); err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         doc.ID,
		"group_id":   doc.GroupID,
		"user_id":    doc.UserID,
		"title":      doc.Title,
		"visibility": doc.Visibility,
		"view_mode":  doc.ViewMode,
		"created_at": doc.CreatedAt,
	}, nil
}

func (s *Service) ListDocuments(ctx context.Context, principal *model.User, values url.Values, limit, offset int) (*query.Result, error) {
	return s.list(ctx, guard.DocumentAccess(0), principal, nil, s.documents, values, limit, offset)
}

func (s *Service) DeleteDocument(ctx context.Context, principal *model.User, documentID string) error {
	if err := s.authorize(ctx, guard.DocumentAccess(model.PermRemoveDocuments), principal, guard.Params{"document_id": documentID}); err != nil {
		return err
	}
	return s.store.DeleteDocument(ctx, documentID)
}

// ---- comments ----

// ListComments lists the comments of one document the principal may see. The
// document filter is forced server-side; client filters compose with it.
func (s *Service) ListComments(ctx context.Context, principal *model.User, documentID string, values url.Values, limit, offset int) (*query.Result, error) {
	if err := s.authorize(ctx, guard.DocumentAccess(0), principal, guard.Params{"document_id": documentID}); err != nil {
		return nil, err
	}
	forced := url.Values{}
	for k, v := range values {
		forced[k] = v
	}
	forced.Set("filter[document_id][==]", documentID)
	return s.list(ctx, guard.CommentAccess(0, false), principal, nil, s.comments, forced, limit, offset)
}

func (s *Service) AddComment(ctx context.Context, principal *model.User, documentID, parentID, visibility, body string) (map[string]any, error) {
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	if visibility == "" {
		visibility = model.CommentPublic
	}
	if visibility != model.CommentPrivate && visibility != model.CommentRestricted && visibility != model.CommentPublic {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid visibility", nil)
	}
	if err := s.authorize(ctx, guard.DocumentAccess(model.PermAddComments), principal, guard.Params{"document_id": documentID}); err != nil {
		return nil, err
	}
	comment := model.Comment{
		ID:         util.NewID("cmt"),
		DocumentID: documentID,
		UserID:     principal.ID,
		Visibility: visibility,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}
	if parentID != "" {
		// Replying requires seeing the parent, and the parent must belong to
		// the same document.
		if err := s.authorize(ctx, guard.CommentAccess(0, false), principal, guard.Params{"comment_id": parentID}); err != nil {
			return nil, err
		}
		parent, err := s.store.GetComment(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.DocumentID != documentID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parent comment belongs to another document", nil)
		}
		comment.ParentID = &parentID
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	return map[string]any{"id": comment.ID, "document_id": comment.DocumentID, "visibility": comment.Visibility}, nil
}

// DeleteComment admits the author of the comment, or anyone holding
// REMOVE_COMMENTS over it.
func (s *Service) DeleteComment(ctx context.Context, principal *model.User, commentID string) error {
	g := guard.Combine(guard.OrOp,
		guard.CommentAccess(0, true),
		guard.CommentAccess(model.PermRemoveComments, false),
	)
	if err := s.authorize(ctx, g, principal, guard.Params{"comment_id": commentID}); err != nil {
		return err
	}
	return s.store.DeleteComment(ctx, commentID)
}

// ---- reactions ----

func (s *Service) AddReaction(ctx context.Context, principal *model.User, commentID, typeID string) error {
	if err := s.authorize(ctx, guard.CommentAccess(model.PermAddReactions, false), principal, guard.Params{"comment_id": commentID}); err != nil {
		return err
	}
	return s.store.InsertReaction(ctx, model.Reaction{
		UserID:    principal.ID,
		CommentID: commentID,
		TypeID:    typeID,
		CreatedAt: time.Now().UTC(),
	})
}

// RemoveReaction removes the principal's own reaction, or — with
// REMOVE_REACTIONS over the comment — someone else's.
func (s *Service) RemoveReaction(ctx context.Context, principal *model.User, targetUserID, commentID string) error {
	if principal == nil {
		return errUnauthorized()
	}
	if targetUserID == "" {
		targetUserID = principal.ID
	}
	require := model.Permission(0)
	if targetUserID != principal.ID {
		require = model.PermRemoveReactions
	}
	if err := s.authorize(ctx, guard.CommentAccess(require, false), principal, guard.Params{"comment_id": commentID}); err != nil {
		return err
	}
	return s.store.DeleteReaction(ctx, targetUserID, commentID)
}

// ---- share links ----

func (s *Service) CreateShareLink(ctx context.Context, principal *model.User, groupID string, perms model.Permission, password string, expiresAt *time.Time) (map[string]any, error) {
	if err := s.authorize(ctx, guard.GroupAccess(model.PermManagePermissions, false), principal, guard.Params{"group_id": groupID}); err != nil {
		return nil, err
	}
	link := model.ShareLink{
		ID:          util.NewID("shl"),
		GroupID:     groupID,
		Token:       util.NewToken(),
		Permissions: perms,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now().UTC(),
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash share link password: %w", err)
		}
		h := string(hash)
		link.PasswordHash = &h
	}
	if err := s.store.InsertShareLink(ctx, link); err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         link.ID,
		"group_id":   link.GroupID,
		"token":      link.Token,
		"expires_at": link.ExpiresAt,
	}, nil
}

func (s *Service) DeleteShareLink(ctx context.Context, principal *model.User, linkID string) error {
	if err := s.authorize(ctx, guard.ShareLinkAccess(), principal, guard.Params{"share_link_id": linkID}); err != nil {
		return err
	}
	return s.store.DeleteShareLink(ctx, linkID)
}

// RedeemShareLink joins the principal to the link's group with an accepted
// membership carrying the link's grant plus the group default. Redeeming an
// already-held membership refreshes it rather than failing.
func (s *Service) RedeemShareLink(ctx context.Context, principal *model.User, token, password string) (map[string]any, error) {
	if principal == nil {
		return nil, errUnauthorized()
	}
	link, err := s.store.GetShareLinkByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, err
	}
	if link.Expired(time.Now()) {
		return nil, domainError(http.StatusGone, "LINK_EXPIRED", "Share link expired", nil)
	}
	if link.PasswordHash != nil {
		if err := bcrypt.CompareHashAndPassword([]byte(*link.PasswordHash), []byte(password)); err != nil {
			return nil, domainError(http.StatusForbidden, "INVALID_PASSWORD", "Invalid share link password", nil)
		}
	}
	membership := model.Membership{
		UserID:      principal.ID,
		GroupID:     link.GroupID,
		Permissions: link.Permissions | link.Group.DefaultPermissions,
		Accepted:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.UpsertMembership(ctx, membership); err != nil {
		return nil, err
	}
	return map[string]any{"group_id": link.GroupID, "group_name": link.Group.Name}, nil
}

// ---- users ----

// GetUserProfile shapes the target's profile through the account-owner /
// shared-group guard: the full profile for the account owner or a group
// peer, a minimal card for everyone else.
func (s *Service) GetUserProfile(ctx context.Context, principal *model.User, userID string) (map[string]any, error) {
	target, err := s.store.GetUserGraph(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, err
	}
	g := guard.Combine(guard.OrOp, guard.IsAccountOwner(), guard.MustShareGroup())
	return guard.Validate(g, principal, target,
		func(u *model.User) map[string]any {
			return map[string]any{
				"id":           u.ID,
				"email":        u.Email,
				"display_name": u.DisplayName,
				"verified":     u.Verified,
				"created_at":   u.CreatedAt,
			}
		},
		func(u *model.User) map[string]any {
			return map[string]any{
				"id":           u.ID,
				"display_name": u.DisplayName,
			}
		},
	), nil
}

// ListUsers lists users sharing a group with the principal; contact fields
// are redacted per the guard.
func (s *Service) ListUsers(ctx context.Context, principal *model.User, values url.Values, limit, offset int) (*query.Result, error) {
	return s.list(ctx, guard.MustShareGroup(), principal, nil, s.users, values, limit, offset)
}

// ---- shared plumbing ----

func (s *Service) list(ctx context.Context, g guard.Guard, principal *model.User, params guard.Params, surface *querySurface, values url.Values, limit, offset int) (*query.Result, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultPageSize
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	result, err := query.List(ctx, s.store, g, principal, params, surface.registry, surface.columns, values, query.Page{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// authorize runs the guard's single-resource clause; a false result is
// reported as NOT_FOUND so denied resources stay indistinguishable from
// absent ones.
func (s *Service) authorize(ctx context.Context, g guard.Guard, principal *model.User, params guard.Params) error {
	if principal == nil {
		return errUnauthorized()
	}
	clause, err := g.Clause(principal, params, false)
	if err != nil {
		return err
	}
	ok, err := s.store.EvalClause(ctx, clause)
	if err != nil {
		return err
	}
	if !ok {
		return errNotFound()
	}
	return nil
}

func errNotFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func errUnauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
}
