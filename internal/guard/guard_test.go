package guard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"marginalia/api/internal/guard"
	"marginalia/api/internal/model"
	"marginalia/api/internal/store"
	"marginalia/api/internal/store/storetest"
)

// world is the same population materialized twice: as rows in a SQLite store
// and as a linked model graph. Every test asserts that a guard answers
// identically through both.
type world struct {
	st *store.Store

	group *model.Group
	users map[string]*model.User

	docPubOpen  *model.Document // PUBLIC visibility, PUBLIC view_mode
	docPubRestr *model.Document // PUBLIC visibility, RESTRICTED view_mode
	docPriv     *model.Document // PRIVATE visibility
	docPersonal *model.Document // owned by user "solo", no group
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func buildWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	st := storetest.Open(t)

	w := &world{st: st, users: map[string]*model.User{}}

	for _, name := range []string{"author", "plain", "vrc", "admin", "owner", "pending", "outsider", "solo"} {
		u := &model.User{ID: "usr_" + name, Email: name + "@example.com", DisplayName: name, CreatedAt: t0}
		w.users[name] = u
		if err := st.InsertUser(ctx, *u); err != nil {
			t.Fatalf("insert user %s: %v", name, err)
		}
	}

	w.group = &model.Group{ID: "grp_1", Name: "Editors", CreatedAt: t0}
	if err := st.InsertGroup(ctx, *w.group); err != nil {
		t.Fatalf("insert group: %v", err)
	}

	members := []struct {
		user     string
		perms    model.Permission
		isOwner  bool
		accepted bool
	}{
		{"author", model.PermAddComments, false, true},
		{"plain", 0, false, true},
		{"vrc", model.PermViewRestrictedComments, false, true},
		{"admin", model.PermAdministrator, false, true},
		{"owner", 0, true, true},
		// A pending membership carries generous bits to prove that
		// unaccepted invitations grant nothing.
		{"pending", model.PermAdministrator | model.PermViewRestrictedComments, false, false},
	}
	for _, m := range members {
		membership := &model.Membership{
			UserID:      "usr_" + m.user,
			GroupID:     w.group.ID,
			Permissions: m.perms,
			IsOwner:     m.isOwner,
			Accepted:    m.accepted,
			CreatedAt:   t0,
			Group:       w.group,
		}
		w.group.Memberships = append(w.group.Memberships, membership)
		w.users[m.user].Memberships = []*model.Membership{membership}
		if err := st.UpsertMembership(ctx, *membership); err != nil {
			t.Fatalf("insert membership %s: %v", m.user, err)
		}
	}

	docs := []struct {
		target     **model.Document
		id         string
		visibility string
		viewMode   string
		userOwned  bool
	}{
		{&w.docPubOpen, "doc_pub_open", model.VisibilityPublic, model.ViewModePublic, false},
		{&w.docPubRestr, "doc_pub_restr", model.VisibilityPublic, model.ViewModeRestricted, false},
		{&w.docPriv, "doc_priv", model.VisibilityPrivate, model.ViewModePublic, false},
		{&w.docPersonal, "doc_personal", model.VisibilityPrivate, model.ViewModeRestricted, true},
	}
	for _, d := range docs {
		doc := &model.Document{
			ID:         d.id,
			Title:      d.id,
			Visibility: d.visibility,
			ViewMode:   d.viewMode,
			CreatedAt:  t0,
		}
		if d.userOwned {
			id := w.users["solo"].ID
			doc.UserID = &id
		} else {
			gid := w.group.ID
			doc.GroupID = &gid
			doc.Group = w.group
		}
		*d.target = doc
		if err := st.InsertDocument(ctx, *doc); err != nil {
			t.Fatalf("insert document %s: %v", d.id, err)
		}
	}

	return w
}

// comment materializes a comment in both representations and returns the
// graph form.
func (w *world) comment(t *testing.T, id string, doc *model.Document, author *model.User, visibility string) *model.Comment {
	t.Helper()
	c := &model.Comment{
		ID:         id,
		DocumentID: doc.ID,
		UserID:     author.ID,
		Visibility: visibility,
		Body:       "...",
		CreatedAt:  t0,
		Document:   doc,
	}
	if err := w.st.InsertComment(context.Background(), *c); err != nil {
		t.Fatalf("insert comment %s: %v", id, err)
	}
	return c
}

// agree asserts the in-memory predicate and the compiled clause reach the
// same verdict, and returns it.
func agree(t *testing.T, st *store.Store, g guard.Guard, principal *model.User, obj model.Resource, params guard.Params) bool {
	t.Helper()
	pred := g.Predicate(obj, principal)
	clause, err := g.Clause(principal, params, false)
	if err != nil {
		t.Fatalf("clause: %v", err)
	}
	viaSQL, err := st.EvalClause(context.Background(), clause)
	if err != nil {
		t.Fatalf("eval clause: %v", err)
	}
	if pred != viaSQL {
		t.Fatalf("predicate says %v but SQL clause says %v", pred, viaSQL)
	}
	return pred
}

func TestCommentVisibilityTruthTable(t *testing.T) {
	w := buildWorld(t)
	g := guard.CommentAccess(0, false)

	// The expected verdict, spelled out independently of the rule builder:
	// the author always passes; PRIVATE comments admit nobody else; owners,
	// administrators and VIEW_RESTRICTED_COMMENTS holders see the rest
	// unconditionally; plain accepted members need an open view mode and a
	// PUBLIC comment.
	expect := func(role, viewMode, commentVis string) bool {
		if role == "author" {
			return true
		}
		if commentVis == model.CommentPrivate {
			return false
		}
		switch role {
		case "vrc", "admin", "owner":
			return true
		case "plain":
			return viewMode == model.ViewModePublic && commentVis == model.CommentPublic
		}
		return false
	}

	docs := map[string]*model.Document{
		model.ViewModePublic:     w.docPubOpen,
		model.ViewModeRestricted: w.docPubRestr,
	}
	n := 0
	for viewMode, doc := range docs {
		for _, commentVis := range []string{model.CommentPrivate, model.CommentRestricted, model.CommentPublic} {
			c := w.comment(t, "cmt_tt_"+viewMode+"_"+commentVis, doc, w.users["author"], commentVis)
			for _, role := range []string{"author", "plain", "vrc", "admin", "owner", "pending", "outsider"} {
				n++
				t.Run(viewMode+"/"+commentVis+"/"+role, func(t *testing.T) {
					got := agree(t, w.st, g, w.users[role], c, guard.Params{"comment_id": c.ID})
					if want := expect(role, viewMode, commentVis); got != want {
						t.Fatalf("access = %v, want %v", got, want)
					}
				})
			}
		}
	}
	if n != 42 {
		t.Fatalf("covered %d combinations, expected 42", n)
	}
}

// Even the group owner and an administrator are locked out of someone else's
// PRIVATE comment; only the author passes, with no membership required at
// all.
func TestPrivateCommentAuthorOnly(t *testing.T) {
	w := buildWorld(t)
	g := guard.CommentAccess(0, false)

	// Authored by a non-member: the row should be impossible to create
	// through the API, but the rule must still hold over it.
	c := w.comment(t, "cmt_priv", w.docPriv, w.users["outsider"], model.CommentPrivate)

	if !agree(t, w.st, g, w.users["outsider"], c, guard.Params{"comment_id": c.ID}) {
		t.Fatal("author must always see their own comment")
	}
	for _, role := range []string{"owner", "admin", "vrc", "plain"} {
		if agree(t, w.st, g, w.users[role], c, guard.Params{"comment_id": c.ID}) {
			t.Fatalf("%s must not see a PRIVATE comment of someone else", role)
		}
	}
}

// A permission requirement narrows only the plain-membership branch; the
// restricted-viewer branch stays open without the required bits.
func TestCommentRequireNarrowsPlainBranchOnly(t *testing.T) {
	w := buildWorld(t)
	g := guard.CommentAccess(model.PermAddComments, false)
	c := w.comment(t, "cmt_req", w.docPubOpen, w.users["owner"], model.CommentPublic)
	params := guard.Params{"comment_id": c.ID}

	if agree(t, w.st, g, w.users["plain"], c, params) {
		t.Fatal("plain member without the required bit must be denied")
	}
	if !agree(t, w.st, g, w.users["author"], c, params) {
		t.Fatal("member holding the required bit must pass")
	}
	if !agree(t, w.st, g, w.users["vrc"], c, params) {
		t.Fatal("restricted viewer must pass regardless of the requirement")
	}
	if !agree(t, w.st, g, w.users["admin"], c, params) {
		t.Fatal("administrator must bypass the requirement")
	}
}

func TestDocumentAccess(t *testing.T) {
	w := buildWorld(t)

	cases := []struct {
		name string
		g    guard.Guard
		doc  *model.Document
		role string
		want bool
	}{
		{"private doc denies plain member", guard.DocumentAccess(0), w.docPriv, "plain", false},
		{"private doc denies vrc member", guard.DocumentAccess(0), w.docPriv, "vrc", false},
		{"private doc admits owner", guard.DocumentAccess(0), w.docPriv, "owner", true},
		{"private doc admits admin", guard.DocumentAccess(0), w.docPriv, "admin", true},
		{"public doc admits plain member", guard.DocumentAccess(0), w.docPubOpen, "plain", true},
		{"public doc denies pending member", guard.DocumentAccess(0), w.docPubOpen, "pending", false},
		{"public doc denies outsider", guard.DocumentAccess(0), w.docPubOpen, "outsider", false},
		{"requirement gates plain member", guard.DocumentAccess(model.PermAddComments), w.docPubOpen, "plain", false},
		{"requirement met", guard.DocumentAccess(model.PermAddComments), w.docPubOpen, "author", true},
		{"requirement bypassed by owner", guard.DocumentAccess(model.PermAddComments), w.docPubOpen, "owner", true},
		{"personal doc admits its user", guard.DocumentAccess(0), w.docPersonal, "solo", true},
		{"personal doc denies admin of other group", guard.DocumentAccess(0), w.docPersonal, "admin", false},
		{"personal doc denies outsider", guard.DocumentAccess(0), w.docPersonal, "outsider", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := agree(t, w.st, tc.g, w.users[tc.role], tc.doc, guard.Params{"document_id": tc.doc.ID})
			if got != tc.want {
				t.Fatalf("access = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestReactionFollowsComment(t *testing.T) {
	w := buildWorld(t)
	ctx := context.Background()

	if err := w.st.InsertReactionType(ctx, model.ReactionType{ID: "rt_up", Emoji: "👍", Weight: 1}); err != nil {
		t.Fatalf("insert reaction type: %v", err)
	}

	open := w.comment(t, "cmt_open", w.docPubOpen, w.users["owner"], model.CommentPublic)
	hidden := w.comment(t, "cmt_hidden", w.docPubRestr, w.users["owner"], model.CommentRestricted)

	for _, c := range []*model.Comment{open, hidden} {
		reaction := model.Reaction{UserID: w.users["author"].ID, CommentID: c.ID, TypeID: "rt_up", CreatedAt: t0}
		if err := w.st.InsertReaction(ctx, reaction); err != nil {
			t.Fatalf("insert reaction: %v", err)
		}
	}

	g := guard.ReactionAccess(false)
	openReaction := &model.Reaction{UserID: w.users["author"].ID, CommentID: open.ID, TypeID: "rt_up", Comment: open}
	hiddenReaction := &model.Reaction{UserID: w.users["author"].ID, CommentID: hidden.ID, TypeID: "rt_up", Comment: hidden}

	if !agree(t, w.st, g, w.users["plain"], openReaction, guard.Params{"comment_id": open.ID}) {
		t.Fatal("reaction on a visible comment must be visible")
	}
	if agree(t, w.st, g, w.users["plain"], hiddenReaction, guard.Params{"comment_id": hidden.ID}) {
		t.Fatal("reaction on a hidden comment must stay hidden")
	}
	if !agree(t, w.st, g, w.users["vrc"], hiddenReaction, guard.Params{"comment_id": hidden.ID}) {
		t.Fatal("restricted viewer must see the reaction on a restricted comment")
	}
}

func TestShareLinkAccess(t *testing.T) {
	w := buildWorld(t)
	ctx := context.Background()
	g := guard.ShareLinkAccess()

	link := &model.ShareLink{
		ID:        "shl_1",
		GroupID:   w.group.ID,
		Token:     "tok_abc",
		CreatedAt: t0,
		Group:     w.group,
	}
	if err := w.st.InsertShareLink(ctx, *link); err != nil {
		t.Fatalf("insert share link: %v", err)
	}

	if !agree(t, w.st, g, w.users["owner"], link, guard.Params{"share_link_id": link.ID}) {
		t.Fatal("group owner must manage share links")
	}
	if !agree(t, w.st, g, w.users["admin"], link, guard.Params{"token": link.Token}) {
		t.Fatal("administrator must manage share links, addressed by token")
	}
	if agree(t, w.st, g, w.users["plain"], link, guard.Params{"share_link_id": link.ID}) {
		t.Fatal("plain member must not manage share links")
	}

	var configErr *guard.ConfigurationError
	if _, err := g.Clause(w.users["owner"], guard.Params{"share_link_id": link.ID, "token": link.Token}, false); !errors.As(err, &configErr) {
		t.Fatalf("both identifiers at once: got %v, want ConfigurationError", err)
	}
	if _, err := g.Clause(w.users["owner"], guard.Params{}, false); !errors.As(err, &configErr) {
		t.Fatalf("no identifier: got %v, want ConfigurationError", err)
	}
}

func TestIsAccountOwner(t *testing.T) {
	w := buildWorld(t)
	g := guard.IsAccountOwner()

	if !agree(t, w.st, g, w.users["plain"], w.users["plain"], guard.Params{"user_id": w.users["plain"].ID}) {
		t.Fatal("account owner must pass")
	}
	if agree(t, w.st, g, w.users["plain"], w.users["admin"], guard.Params{"user_id": w.users["admin"].ID}) {
		t.Fatal("another user must not pass")
	}

	var configErr *guard.ConfigurationError
	if _, err := g.Clause(w.users["plain"], guard.Params{}, true); !errors.As(err, &configErr) {
		t.Fatalf("listing mode: got %v, want ConfigurationError", err)
	}
}

func TestMustShareGroup(t *testing.T) {
	w := buildWorld(t)
	g := guard.MustShareGroup()

	for _, role := range []string{"plain", "vrc", "owner"} {
		if !agree(t, w.st, g, w.users["admin"], w.users[role], guard.Params{"user_id": w.users[role].ID}) {
			t.Fatalf("%s shares a group with admin and must be visible", role)
		}
	}
	if agree(t, w.st, g, w.users["admin"], w.users["solo"], guard.Params{"user_id": w.users["solo"].ID}) {
		t.Fatal("user without a shared group must be hidden")
	}
	if agree(t, w.st, g, w.users["admin"], w.users["pending"], guard.Params{"user_id": w.users["pending"].ID}) {
		t.Fatal("pending membership must not count as sharing a group")
	}
	// Both directions: the pending user holds no accepted membership either.
	if agree(t, w.st, g, w.users["pending"], w.users["plain"], guard.Params{"user_id": w.users["plain"].ID}) {
		t.Fatal("pending principal must not see group members")
	}

	found := false
	for _, f := range g.ExcludedFields() {
		if f == "email" {
			found = true
		}
	}
	if !found {
		t.Fatal("email must be excluded under must_share_group")
	}
}

func TestNilPrincipalDeniedEverywhere(t *testing.T) {
	w := buildWorld(t)
	c := w.comment(t, "cmt_anon", w.docPubOpen, w.users["author"], model.CommentPublic)

	guards := []struct {
		name   string
		g      guard.Guard
		obj    model.Resource
		params guard.Params
	}{
		{"document", guard.DocumentAccess(0), w.docPubOpen, guard.Params{"document_id": w.docPubOpen.ID}},
		{"comment", guard.CommentAccess(0, false), c, guard.Params{"comment_id": c.ID}},
		{"user", guard.MustShareGroup(), w.users["plain"], guard.Params{"user_id": w.users["plain"].ID}},
	}
	for _, tc := range guards {
		t.Run(tc.name, func(t *testing.T) {
			if agree(t, w.st, tc.g, nil, tc.obj, tc.params) {
				t.Fatal("anonymous access must be denied")
			}
		})
	}
}

func TestListingClauseMatchesPerRowPredicate(t *testing.T) {
	w := buildWorld(t)
	ctx := context.Background()
	g := guard.DocumentAccess(0)

	docs := []*model.Document{w.docPubOpen, w.docPubRestr, w.docPriv, w.docPersonal}
	for _, role := range []string{"plain", "admin", "owner", "pending", "outsider", "solo"} {
		principal := w.users[role]
		clause, err := g.Clause(principal, nil, true)
		if err != nil {
			t.Fatalf("%s: clause: %v", role, err)
		}
		visible, err := w.st.Select(ctx, "documents", []string{"id"}, clause, "documents.id ASC", 100, 0)
		if err != nil {
			t.Fatalf("%s: select: %v", role, err)
		}
		listed := make(map[string]bool, len(visible))
		for _, row := range visible {
			listed[row["id"].(string)] = true
		}
		for _, doc := range docs {
			if got := g.Predicate(doc, principal); got != listed[doc.ID] {
				t.Fatalf("%s on %s: predicate %v but listing %v", role, doc.ID, got, listed[doc.ID])
			}
		}
	}
}

func TestListingClauseNarrowedByID(t *testing.T) {
	w := buildWorld(t)
	ctx := context.Background()
	g := guard.DocumentAccess(0)

	clause, err := g.Clause(w.users["plain"], guard.Params{"document_id": w.docPubOpen.ID}, true)
	if err != nil {
		t.Fatalf("clause: %v", err)
	}
	rows, err := w.st.Select(ctx, "documents", []string{"id"}, clause, "documents.id ASC", 100, 0)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != w.docPubOpen.ID {
		t.Fatalf("rows = %v, want exactly %s", rows, w.docPubOpen.ID)
	}
}
