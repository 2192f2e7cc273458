package guard_test

import (
	"testing"

	"marginalia/api/internal/guard"
	"marginalia/api/internal/model"
)

// DeleteComment's real-world shape: author-only OR moderation permission.
func TestCombineOr(t *testing.T) {
	w := buildWorld(t)
	g := guard.Combine(guard.OrOp,
		guard.CommentAccess(0, true),
		guard.CommentAccess(model.PermRemoveComments, false),
	)

	c := w.comment(t, "cmt_combine", w.docPubOpen, w.users["plain"], model.CommentPublic)
	params := guard.Params{"comment_id": c.ID}

	if !agree(t, w.st, g, w.users["plain"], c, params) {
		t.Fatal("author must be able to act on their comment")
	}
	if !agree(t, w.st, g, w.users["admin"], c, params) {
		t.Fatal("administrator must bypass the permission requirement")
	}
	if agree(t, w.st, g, w.users["vrc"], c, params) {
		t.Fatal("member without REMOVE_COMMENTS must be denied")
	}
}

func TestCombineAnd(t *testing.T) {
	w := buildWorld(t)
	g := guard.Combine(guard.AndOp,
		guard.DocumentAccess(0),
		guard.DocumentAccess(model.PermAddComments),
	)
	params := guard.Params{"document_id": w.docPubOpen.ID}

	if !agree(t, w.st, g, w.users["author"], w.docPubOpen, params) {
		t.Fatal("member satisfying both guards must pass")
	}
	if agree(t, w.st, g, w.users["plain"], w.docPubOpen, params) {
		t.Fatal("member failing one guard must be denied")
	}
}

func TestCombineExcludedFieldsUnion(t *testing.T) {
	g := guard.Combine(guard.OrOp,
		guard.IsAccountOwner(),
		guard.MustShareGroup(),
		guard.MustShareGroup(),
	)
	fields := g.ExcludedFields()
	if len(fields) != 1 || fields[0] != "email" {
		t.Fatalf("excluded fields = %v, want exactly [email]", fields)
	}
}

func TestCombinePropagatesConfigurationError(t *testing.T) {
	w := buildWorld(t)
	g := guard.Combine(guard.OrOp, guard.IsAccountOwner(), guard.MustShareGroup())
	if _, err := g.Clause(w.users["plain"], guard.Params{"user_id": "usr_plain"}, true); err == nil {
		t.Fatal("listing through a single-resource-only sub-guard must fail")
	}
}

func TestMergeParamsPathWins(t *testing.T) {
	merged := guard.MergeParams(
		guard.Params{"document_id": "doc_path"},
		guard.Params{"document_id": "doc_body", "comment_id": "cmt_1"},
	)
	if merged["document_id"] != "doc_path" {
		t.Fatalf("document_id = %v, path parameter must win", merged["document_id"])
	}
	if merged["comment_id"] != "cmt_1" {
		t.Fatalf("comment_id = %v", merged["comment_id"])
	}
}

func TestValidateShaping(t *testing.T) {
	w := buildWorld(t)
	g := guard.Combine(guard.OrOp, guard.IsAccountOwner(), guard.MustShareGroup())

	full := func(u *model.User) map[string]any {
		return map[string]any{"id": u.ID, "email": u.Email}
	}
	reduced := func(u *model.User) map[string]any {
		return map[string]any{"id": u.ID}
	}

	self := guard.Validate(g, w.users["solo"], w.users["solo"], full, reduced)
	if _, ok := self["email"]; !ok {
		t.Fatal("account owner must get the full shape")
	}
	stranger := guard.Validate(g, w.users["solo"], w.users["plain"], full, reduced)
	if _, ok := stranger["email"]; ok {
		t.Fatal("stranger must get the reduced shape")
	}

	shaped := guard.ValidateAll(g, w.users["admin"], []*model.User{w.users["plain"], w.users["solo"]}, full, reduced)
	if _, ok := shaped[0]["email"]; !ok {
		t.Fatal("group peer must get the full shape")
	}
	if _, ok := shaped[1]["email"]; ok {
		t.Fatal("non-peer must get the reduced shape")
	}
}
