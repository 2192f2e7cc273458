package filter

import (
	"fmt"

	"marginalia/api/internal/expr"
	"marginalia/api/internal/model"
)

// Condition compiles the parsed filter into an expression tree.
//
// Two deliberate asymmetries of `!=`: on a plain field it is null-inclusive
// ("distinct or absent"), on a joined field it negates the whole EXISTS
// subquery instead of the inner comparison.
func (f Filter) Condition(principal *model.User) expr.Expr {
	if f.Field.Join != nil {
		return f.joined(principal)
	}
	col := f.Field.Col
	switch f.Op {
	case OpEq:
		return expr.Cmp{Col: col, Op: expr.OpEq, Val: f.Value}
	case OpNe:
		return expr.Or{
			expr.Cmp{Col: col, Op: expr.OpNe, Val: f.Value},
			expr.IsNull{Col: col},
		}
	case OpIn:
		return expr.In{Col: col, Vals: f.Value.([]any)}
	case OpNotIn:
		return expr.In{Col: col, Vals: f.Value.([]any), Negate: true}
	case OpLike:
		return expr.Cmp{Col: col, Op: expr.OpLike, Val: contains(f.Value)}
	case OpILike:
		return expr.Cmp{Col: col, Op: expr.OpILike, Val: contains(f.Value)}
	case OpGe:
		return expr.Cmp{Col: col, Op: expr.OpGe, Val: f.Value}
	case OpLe:
		return expr.Cmp{Col: col, Op: expr.OpLe, Val: f.Value}
	case OpGt:
		return expr.Cmp{Col: col, Op: expr.OpGt, Val: f.Value}
	case OpLt:
		return expr.Cmp{Col: col, Op: expr.OpLt, Val: f.Value}
	default:
		panic(fmt.Sprintf("filter: unhandled operator %q on plain field %s", f.Op, f.Field.Name))
	}
}

func (f Filter) joined(principal *model.User) expr.Expr {
	join := f.Field.Join
	inner := expr.And{
		expr.Cmp{Col: join.On[0], Op: expr.OpEq, Val: join.On[1]},
	}
	if f.Field.UserCond != nil && principal != nil {
		inner = append(inner, f.Field.UserCond(principal))
	}
	switch f.Op {
	case OpExists:
		sub := expr.Exists{Table: join.Table, As: join.As, Where: inner}
		if f.Value.(bool) {
			return sub
		}
		return expr.Not{X: sub}
	case OpNe:
		inner = append(inner, expr.Cmp{Col: f.Field.Col, Op: expr.OpEq, Val: f.Value})
		return expr.Not{X: expr.Exists{Table: join.Table, As: join.As, Where: inner}}
	case OpEq:
		inner = append(inner, expr.Cmp{Col: f.Field.Col, Op: expr.OpEq, Val: f.Value})
	case OpIn:
		inner = append(inner, expr.In{Col: f.Field.Col, Vals: f.Value.([]any)})
	case OpNotIn:
		inner = append(inner, expr.In{Col: f.Field.Col, Vals: f.Value.([]any), Negate: true})
	case OpLike:
		inner = append(inner, expr.Cmp{Col: f.Field.Col, Op: expr.OpLike, Val: contains(f.Value)})
	case OpILike:
		inner = append(inner, expr.Cmp{Col: f.Field.Col, Op: expr.OpILike, Val: contains(f.Value)})
	case OpGe:
		inner = append(inner, expr.Cmp{Col: f.Field.Col, Op: expr.OpGe, Val: f.Value})
	case OpLe:
		inner = append(inner, expr.Cmp{Col: f.Field.Col, Op: expr.OpLe, Val: f.Value})
	case OpGt:
		inner = append(inner, expr.Cmp{Col: f.Field.Col, Op: expr.OpGt, Val: f.Value})
	case OpLt:
		inner = append(inner, expr.Cmp{Col: f.Field.Col, Op: expr.OpLt, Val: f.Value})
	default:
		panic(fmt.Sprintf("filter: unhandled operator %q on joined field %s", f.Op, f.Field.Name))
	}
	return expr.Exists{Table: join.Table, As: join.As, Where: inner}
}

// Conditions ANDs the compiled conditions of all filters.
func Conditions(filters []Filter, principal *model.User) expr.Expr {
	parts := make([]expr.Expr, len(filters))
	for i, f := range filters {
		parts[i] = f.Condition(principal)
	}
	return expr.And(parts)
}

func contains(v any) string {
	return "%" + fmt.Sprint(v) + "%"
}
