// Package guard implements per-resource access rules. Each rule builds one
// expression tree (internal/expr) from the principal, which is then either
// compiled into a SQL condition (Clause) or evaluated against an already
// loaded object graph (Predicate). Keeping a single tree per rule is what
// guarantees the two answers agree.
package guard

import (
	"fmt"

	"marginalia/api/internal/expr"
	"marginalia/api/internal/model"
)

// Params carries merged path and body/query parameters for clause building.
type Params map[string]any

// MergeParams overlays path parameters onto body/query parameters; path wins
// on key collision.
func MergeParams(path, body Params) Params {
	out := make(Params, len(path)+len(body))
	for k, v := range body {
		out[k] = v
	}
	for k, v := range path {
		out[k] = v
	}
	return out
}

// ConfigurationError reports a guard invoked in a way its rule does not
// support: a missing identifying parameter in single-resource mode, or a
// single-resource-only rule used for listing. This is a caller bug, not a
// permission denial.
type ConfigurationError struct {
	Guard  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("guard %s: %s", e.Guard, e.Reason)
}

// Guard is an access rule for one resource type.
//
// Clause returns a boolean expression over stored rows. With multi=false it
// is a closed EXISTS-style check identifying the resource through params;
// with multi=true it ranges over the resource table directly and can be
// ANDed into a listing query.
//
// Predicate answers the same rule for a materialized object without touching
// the store. A false result means denial; it never distinguishes "absent"
// from "forbidden".
//
// ExcludedFields names response fields listings must redact whenever this
// guard is in effect, regardless of the row or principal.
type Guard interface {
	Clause(principal *model.User, params Params, multi bool) (expr.Expr, error)
	Predicate(obj model.Resource, principal *model.User) bool
	ExcludedFields() []string
}

// rule is the shared implementation: a table, the parameter identifying a
// single row, and a builder producing the rule body over the table's columns.
type rule struct {
	name     string
	table    string
	idParam  string
	idColumn string
	// altParam optionally identifies the row through a second column
	// (share links are addressable by id or by token).
	altParam  string
	altColumn string
	noMulti   bool
	build     func(principal *model.User) expr.Expr
	excluded  []string
}

func (r *rule) Clause(principal *model.User, params Params, multi bool) (expr.Expr, error) {
	if multi && r.noMulti {
		return nil, &ConfigurationError{Guard: r.name, Reason: "not usable in listing mode"}
	}
	body := r.ruleBody(principal)
	if multi {
		// An id parameter is optional here; it just narrows the rows.
		if id, ok := params[r.idParam]; ok {
			body = expr.And{expr.Cmp{Col: expr.Col{Table: r.table, Column: r.idColumn}, Op: expr.OpEq, Val: id}, body}
		}
		return body, nil
	}
	ident, err := r.identity(params)
	if err != nil {
		return nil, err
	}
	return expr.Exists{Table: r.table, As: r.table, Where: expr.And{ident, body}}, nil
}

func (r *rule) identity(params Params) (expr.Expr, error) {
	id, hasID := params[r.idParam]
	if r.altParam == "" {
		if !hasID {
			return nil, &ConfigurationError{Guard: r.name, Reason: "missing required parameter " + r.idParam}
		}
		return expr.Cmp{Col: expr.Col{Table: r.table, Column: r.idColumn}, Op: expr.OpEq, Val: id}, nil
	}
	alt, hasAlt := params[r.altParam]
	switch {
	case hasID && hasAlt:
		return nil, &ConfigurationError{Guard: r.name, Reason: fmt.Sprintf("parameters %s and %s are mutually exclusive", r.idParam, r.altParam)}
	case hasID:
		return expr.Cmp{Col: expr.Col{Table: r.table, Column: r.idColumn}, Op: expr.OpEq, Val: id}, nil
	case hasAlt:
		return expr.Cmp{Col: expr.Col{Table: r.table, Column: r.altColumn}, Op: expr.OpEq, Val: alt}, nil
	default:
		return nil, &ConfigurationError{Guard: r.name, Reason: fmt.Sprintf("missing required parameter %s or %s", r.idParam, r.altParam)}
	}
}

func (r *rule) ruleBody(principal *model.User) expr.Expr {
	if principal == nil {
		return expr.Bool(false)
	}
	return r.build(principal)
}

func (r *rule) Predicate(obj model.Resource, principal *model.User) bool {
	if principal == nil {
		return false
	}
	return expr.Eval(r.ruleBody(principal), expr.Bind(r.table, obj))
}

func (r *rule) ExcludedFields() []string {
	return r.excluded
}
