package query

import (
	"marginalia/api/internal/expr"
	"marginalia/api/internal/filter"
	"marginalia/api/internal/model"
)

// Filter registries are declared once at startup. Join aliases here use an
// f-prefix so they can never collide with the guard rule aliases.

func DocumentFields() *filter.Registry {
	return filter.NewRegistry("documents",
		filter.Field{Name: "title", Col: expr.Col{Table: "documents", Column: "title"}, Kind: filter.String},
		filter.Field{Name: "visibility", Col: expr.Col{Table: "documents", Column: "visibility"}, Kind: filter.Enum},
		filter.Field{Name: "view_mode", Col: expr.Col{Table: "documents", Column: "view_mode"}, Kind: filter.Enum},
		filter.Field{Name: "group_id", Col: expr.Col{Table: "documents", Column: "group_id"}, Kind: filter.Enum, ExcludeSibling: "group_id"},
		filter.Field{Name: "created_at", Col: expr.Col{Table: "documents", Column: "created_at"}, Kind: filter.DateTime},
		filter.Field{
			Name: "comments",
			Kind: filter.Exists,
			Join: &filter.Join{
				Table: "comments",
				As:    "fc",
				On:    [2]expr.Col{{Table: "fc", Column: "document_id"}, {Table: "documents", Column: "id"}},
			},
		},
	)
}

func CommentFields() *filter.Registry {
	return filter.NewRegistry("comments",
		filter.Field{Name: "body", Col: expr.Col{Table: "comments", Column: "body"}, Kind: filter.String},
		filter.Field{Name: "visibility", Col: expr.Col{Table: "comments", Column: "visibility"}, Kind: filter.Enum},
		filter.Field{Name: "document_id", Col: expr.Col{Table: "comments", Column: "document_id"}, Kind: filter.Enum, ExcludeSibling: "document_id"},
		filter.Field{Name: "user_id", Col: expr.Col{Table: "comments", Column: "user_id"}, Kind: filter.Enum},
		filter.Field{Name: "parent_id", Col: expr.Col{Table: "comments", Column: "parent_id"}, Kind: filter.Enum},
		filter.Field{Name: "created_at", Col: expr.Col{Table: "comments", Column: "created_at"}, Kind: filter.DateTime},
		filter.Field{
			Name: "replies",
			Kind: filter.Exists,
			Join: &filter.Join{
				Table: "comments",
				As:    "fr",
				On:    [2]expr.Col{{Table: "fr", Column: "parent_id"}, {Table: "comments", Column: "id"}},
			},
		},
		filter.Field{
			Name: "reactions",
			Kind: filter.Exists,
			Join: &filter.Join{
				Table: "reactions",
				As:    "fx",
				On:    [2]expr.Col{{Table: "fx", Column: "comment_id"}, {Table: "comments", Column: "id"}},
			},
		},
		// my_reaction narrows the reactions relation to the principal's own.
		filter.Field{
			Name: "my_reaction",
			Kind: filter.Exists,
			Join: &filter.Join{
				Table: "reactions",
				As:    "fy",
				On:    [2]expr.Col{{Table: "fy", Column: "comment_id"}, {Table: "comments", Column: "id"}},
			},
			UserCond: func(p *model.User) expr.Expr {
				return expr.Cmp{Col: expr.Col{Table: "fy", Column: "user_id"}, Op: expr.OpEq, Val: p.ID}
			},
		},
	)
}

func UserFields() *filter.Registry {
	return filter.NewRegistry("users",
		filter.Field{Name: "display_name", Col: expr.Col{Table: "users", Column: "display_name"}, Kind: filter.String},
		filter.Field{Name: "verified", Col: expr.Col{Table: "users", Column: "verified"}, Kind: filter.Bool},
		filter.Field{Name: "created_at", Col: expr.Col{Table: "users", Column: "created_at"}, Kind: filter.DateTime},
		// group_id matches users holding an accepted membership of the group.
		filter.Field{
			Name: "group_id",
			Col:  expr.Col{Table: "fm", Column: "group_id"},
			Kind: filter.Enum,
			Join: &filter.Join{
				Table: "memberships",
				As:    "fm",
				On:    [2]expr.Col{{Table: "fm", Column: "user_id"}, {Table: "users", Column: "id"}},
			},
			UserCond: func(p *model.User) expr.Expr {
				return expr.Cmp{Col: expr.Col{Table: "fm", Column: "accepted"}, Op: expr.OpEq, Val: true}
			},
		},
	)
}

// Listing projections. Sensitive columns appear here and are redacted per
// guard, not silently dropped from SQL, so exclusion stays observable in
// tests.

func DocumentColumns() []string {
	return []string{"id", "group_id", "user_id", "title", "visibility", "view_mode", "created_at"}
}

func CommentColumns() []string {
	return []string{"id", "document_id", "user_id", "parent_id", "visibility", "body", "created_at"}
}

func UserColumns() []string {
	return []string{"id", "email", "display_name", "verified", "created_at"}
}
