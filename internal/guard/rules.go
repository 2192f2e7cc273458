package guard

import (
	"marginalia/api/internal/expr"
	"marginalia/api/internal/model"
)

// Rule priority, everywhere: the PRIVATE/owner-only rule first, then the
// owner/ADMINISTRATOR bypass, then specific permission requirements.

func col(table, column string) expr.Col {
	return expr.Col{Table: table, Column: column}
}

func eq(c expr.Col, v any) expr.Expr {
	return expr.Cmp{Col: c, Op: expr.OpEq, Val: v}
}

func hasAll(c expr.Col, p model.Permission) expr.Expr {
	return expr.Cmp{Col: c, Op: expr.OpHasAll, Val: int64(p)}
}

// ownerOrAdmin is the universal bypass over a membership alias.
func ownerOrAdmin(as string) expr.Expr {
	return expr.Or{
		eq(col(as, "is_owner"), true),
		hasAll(col(as, "permissions"), model.PermAdministrator),
	}
}

// memberOf requires an accepted membership of the principal in the group
// referenced by groupCol, optionally constrained further by extra.
func memberOf(principal *model.User, as string, groupCol expr.Col, extra expr.Expr) expr.Expr {
	where := expr.And{
		eq(col(as, "group_id"), groupCol),
		eq(col(as, "user_id"), principal.ID),
		eq(col(as, "accepted"), true),
	}
	if extra != nil {
		where = append(where, extra)
	}
	return expr.Exists{Table: "memberships", As: as, Where: where}
}

// requireOrBypass gates on owner/admin or the full required permission set;
// nil when nothing is required.
func requireOrBypass(as string, require model.Permission) expr.Expr {
	if require == 0 {
		return nil
	}
	return expr.Or{ownerOrAdmin(as), hasAll(col(as, "permissions"), require)}
}

// DocumentAccess grants a PRIVATE document to group owners and administrators
// only, and a PUBLIC document to any accepted member, additionally requiring
// owner/admin or all of require when require is non-zero. A user-owned
// document is visible to its owning user alone.
func DocumentAccess(require model.Permission) Guard {
	return &rule{
		name:     "document_access",
		table:    "documents",
		idParam:  "document_id",
		idColumn: "id",
		build: func(p *model.User) expr.Expr {
			return expr.Or{
				eq(col("documents", "user_id"), p.ID),
				expr.And{
					eq(col("documents", "visibility"), model.VisibilityPrivate),
					memberOf(p, "m", col("documents", "group_id"), ownerOrAdmin("m")),
				},
				expr.And{
					eq(col("documents", "visibility"), model.VisibilityPublic),
					memberOf(p, "m", col("documents", "group_id"), requireOrBypass("m", require)),
				},
			}
		},
	}
}

// GroupAccess requires an accepted membership; onlyOwner restricts to the
// group owner, otherwise owner/admin bypass or the full require set applies.
func GroupAccess(require model.Permission, onlyOwner bool) Guard {
	return &rule{
		name:     "group_access",
		table:    "groups",
		idParam:  "group_id",
		idColumn: "id",
		build: func(p *model.User) expr.Expr {
			var extra expr.Expr
			if onlyOwner {
				extra = eq(col("m", "is_owner"), true)
			} else {
				extra = requireOrBypass("m", require)
			}
			return memberOf(p, "m", col("groups", "id"), extra)
		},
	}
}

// commentRule is the comment truth table over the comment columns bound at
// alias `as`:
//
//   - the author always passes, whatever the visibility or modes;
//   - nobody else ever sees a PRIVATE comment, owner and admin included;
//   - VIEW_RESTRICTED_COMMENTS (or owner/admin) opens RESTRICTED comments
//     and RESTRICTED view-mode documents, independent of require;
//   - otherwise access needs a PUBLIC view-mode document, a PUBLIC comment
//     and plain accepted membership, narrowed by require when given.
func commentRule(p *model.User, as string, require model.Permission, onlyOwner bool) expr.Expr {
	author := eq(col(as, "user_id"), p.ID)
	if onlyOwner {
		return author
	}
	restrictedViewer := expr.Or{
		memberOf(p, "m", col("d", "group_id"), expr.Or{
			ownerOrAdmin("m"),
			hasAll(col("m", "permissions"), model.PermViewRestrictedComments),
		}),
		// The direct owner of a user-owned document reads like a group
		// owner would.
		eq(col("d", "user_id"), p.ID),
	}
	plainViewer := expr.And{
		eq(col("d", "view_mode"), model.ViewModePublic),
		eq(col(as, "visibility"), model.CommentPublic),
		memberOf(p, "m", col("d", "group_id"), requireOrBypass("m", require)),
	}
	return expr.Or{
		author,
		expr.And{
			expr.Cmp{Col: col(as, "visibility"), Op: expr.OpNe, Val: model.CommentPrivate},
			expr.Exists{Table: "documents", As: "d", Where: expr.And{
				eq(col("d", "id"), col(as, "document_id")),
				expr.Or{restrictedViewer, plainViewer},
			}},
		},
	}
}

// CommentAccess applies the comment visibility truth table; require narrows
// only the plain-membership branch and onlyOwner collapses the rule to
// author-only.
func CommentAccess(require model.Permission, onlyOwner bool) Guard {
	return &rule{
		name:     "comment_access",
		table:    "comments",
		idParam:  "comment_id",
		idColumn: "id",
		build: func(p *model.User) expr.Expr {
			return commentRule(p, "comments", require, onlyOwner)
		},
	}
}

// ReactionAccess derives entirely from the parent comment's rule; a reaction
// carries no visibility of its own. Single-resource checks identify the
// reaction through its parent comment id.
func ReactionAccess(onlyOwner bool) Guard {
	return &rule{
		name:     "reaction_access",
		table:    "reactions",
		idParam:  "comment_id",
		idColumn: "comment_id",
		build: func(p *model.User) expr.Expr {
			return expr.Exists{Table: "comments", As: "c", Where: expr.And{
				eq(col("c", "id"), col("reactions", "comment_id")),
				commentRule(p, "c", 0, onlyOwner),
			}}
		},
	}
}

// ShareLinkAccess admits accepted owners or administrators of the link's
// group. The link is addressable by id or by redemption token, never both.
func ShareLinkAccess() Guard {
	return &rule{
		name:      "sharelink_access",
		table:     "share_links",
		idParam:   "share_link_id",
		idColumn:  "id",
		altParam:  "token",
		altColumn: "token",
		build: func(p *model.User) expr.Expr {
			return memberOf(p, "m", col("share_links", "group_id"), ownerOrAdmin("m"))
		},
	}
}

// IsAccountOwner admits only the targeted user themselves. It has no listing
// form.
func IsAccountOwner() Guard {
	return &rule{
		name:     "is_account_owner",
		table:    "users",
		idParam:  "user_id",
		idColumn: "id",
		noMulti:  true,
		build: func(p *model.User) expr.Expr {
			return eq(col("users", "id"), p.ID)
		},
	}
}

// MustShareGroup requires the principal to hold an accepted membership in at
// least one group the target user is an accepted member of. Contact fields
// of user rows are redacted whenever this guard shapes a listing.
func MustShareGroup() Guard {
	return &rule{
		name:     "must_share_group",
		table:    "users",
		idParam:  "user_id",
		idColumn: "id",
		excluded: []string{"email"},
		build: func(p *model.User) expr.Expr {
			return expr.Exists{Table: "memberships", As: "m", Where: expr.And{
				eq(col("m", "user_id"), col("users", "id")),
				eq(col("m", "accepted"), true),
				expr.Exists{Table: "memberships", As: "m2", Where: expr.And{
					eq(col("m2", "group_id"), col("m", "group_id")),
					eq(col("m2", "user_id"), p.ID),
					eq(col("m2", "accepted"), true),
				}},
			}}
		},
	}
}
