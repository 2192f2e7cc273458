package guard

import (
	"marginalia/api/internal/expr"
	"marginalia/api/internal/model"
)

// LogicOp selects how Combine folds its sub-guards.
type LogicOp int

const (
	AndOp LogicOp = iota
	OrOp
)

// Combine returns a composite guard whose clause folds the sub-clauses with
// the operator and whose predicate applies the matching all/any. Excluded
// fields are the union across sub-guards, so redaction stays conservative.
func Combine(op LogicOp, guards ...Guard) Guard {
	return &combined{op: op, guards: guards}
}

type combined struct {
	op     LogicOp
	guards []Guard
}

func (c *combined) Clause(principal *model.User, params Params, multi bool) (expr.Expr, error) {
	parts := make([]expr.Expr, 0, len(c.guards))
	for _, g := range c.guards {
		clause, err := g.Clause(principal, params, multi)
		if err != nil {
			return nil, err
		}
		parts = append(parts, clause)
	}
	if c.op == AndOp {
		return expr.And(parts), nil
	}
	return expr.Or(parts), nil
}

func (c *combined) Predicate(obj model.Resource, principal *model.User) bool {
	for _, g := range c.guards {
		ok := g.Predicate(obj, principal)
		if c.op == AndOp && !ok {
			return false
		}
		if c.op == OrOp && ok {
			return true
		}
	}
	return c.op == AndOp
}

func (c *combined) ExcludedFields() []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range c.guards {
		for _, f := range g.ExcludedFields() {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// Validate shapes a single object through the guard's predicate: the full
// shape when the principal passes, the reduced shape otherwise. It never
// touches the store; collections are expected to be filtered upstream.
func Validate[T model.Resource, R any](g Guard, principal *model.User, obj T, full, reduced func(T) R) R {
	if g.Predicate(obj, principal) {
		return full(obj)
	}
	return reduced(obj)
}

// ValidateAll applies Validate across an already-loaded collection.
func ValidateAll[T model.Resource, R any](g Guard, principal *model.User, items []T, full, reduced func(T) R) []R {
	out := make([]R, len(items))
	for i, item := range items {
		out[i] = Validate(g, principal, item, full, reduced)
	}
	return out
}
