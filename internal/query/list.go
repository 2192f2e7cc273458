// Package query runs guarded listings: it parses filter/sort input, ANDs the
// guard's listing clause with the filter conditions, and redacts excluded
// response fields.
package query

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"marginalia/api/internal/expr"
	"marginalia/api/internal/filter"
	"marginalia/api/internal/guard"
	"marginalia/api/internal/model"
	"marginalia/api/internal/store"
)

type Page struct {
	Limit  int
	Offset int
}

type Result struct {
	Total int              `json:"total"`
	Items []map[string]any `json:"items"`
}

// List returns the rows of the registry's table that pass both the guard and
// the client's filters, ordered and paginated, with excluded fields removed.
func List(ctx context.Context, st *store.Store, g guard.Guard, principal *model.User, params guard.Params, reg *filter.Registry, cols []string, values url.Values, page Page) (*Result, error) {
	filters, sorts, err := reg.Parse(values)
	if err != nil {
		return nil, err
	}

	clause, err := g.Clause(principal, params, true)
	if err != nil {
		return nil, err
	}
	where := expr.And{clause, filter.Conditions(filters, principal)}

	total, err := st.Count(ctx, reg.Table, where)
	if err != nil {
		return nil, fmt.Errorf("count listing: %w", err)
	}

	items, err := st.Select(ctx, reg.Table, cols, where, orderBy(reg.Table, sorts), page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("select listing: %w", err)
	}

	redact(items, g.ExcludedFields(), filter.Exclusions(filters))
	return &Result{Total: total, Items: items}, nil
}

// orderBy renders the sort terms, falling back to insertion order.
func orderBy(table string, sorts []filter.Sort) string {
	if len(sorts) == 0 {
		return table + ".created_at ASC"
	}
	parts := make([]string, len(sorts))
	for i, s := range sorts {
		dir := " ASC"
		if s.Desc {
			dir = " DESC"
		}
		parts[i] = s.Field.Col.Table + "." + s.Field.Col.Column + dir
	}
	return strings.Join(parts, ", ")
}

func redact(items []map[string]any, groups ...[]string) {
	var excluded []string
	for _, g := range groups {
		excluded = append(excluded, g...)
	}
	if len(excluded) == 0 {
		return
	}
	for _, item := range items {
		for _, field := range excluded {
			delete(item, field)
		}
	}
}
