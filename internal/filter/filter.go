// Package filter turns declarative per-resource field registries into parsed
// filter/sort requests and query conditions. Field registries are plain data
// declared at startup; no reflection is involved.
package filter

import (
	"fmt"

	"marginalia/api/internal/expr"
	"marginalia/api/internal/model"
)

// Kind is the closed set of value types a filterable field can have. The
// kind decides the operator family and how raw values are coerced.
type Kind int

const (
	Bool Kind = iota
	Enum
	String
	Int
	DateTime
	// Exists marks a relation field; the only operation on it is testing
	// for related rows.
	Exists
)

// Op is a filter operator as it appears in the query string.
type Op string

const (
	OpEq     Op = "=="
	OpNe     Op = "!="
	OpIn     Op = "in"
	OpNotIn  Op = "notin"
	OpLike   Op = "like"
	OpILike  Op = "ilike"
	OpGe     Op = ">="
	OpLe     Op = "<="
	OpGt     Op = ">"
	OpLt     Op = "<"
	OpExists Op = "exists"
)

// families maps each kind to its default operator set.
var families = map[Kind][]Op{
	Bool:     {OpEq, OpNe, OpIn, OpNotIn},
	Enum:     {OpEq, OpNe, OpIn, OpNotIn},
	String:   {OpILike, OpLike, OpEq, OpNe, OpIn, OpNotIn},
	Int:      {OpEq, OpGe, OpLe, OpGt, OpLt, OpNe, OpIn, OpNotIn},
	DateTime: {OpEq, OpGe, OpLe, OpGt, OpLt, OpNe, OpIn, OpNotIn},
	Exists:   {OpExists},
}

// Join describes how a field living on a related table correlates back to
// the base table. Conditions on joined fields compile to correlated EXISTS
// subqueries rather than SQL joins, so multi-valued relations cannot
// duplicate result rows.
type Join struct {
	Table string
	As    string
	// On correlates the joined alias (first) to the base table (second).
	On [2]expr.Col
}

// Field is one entry of a resource's filter registry.
type Field struct {
	Name string
	Col  expr.Col
	Kind Kind
	Join *Join
	// Include and Exclude adjust the kind's default operator family.
	Include []Op
	Exclude []Op
	// UserCond is ANDed inside the join subquery when the clause depends
	// on the requesting principal.
	UserCond func(principal *model.User) expr.Expr
	// ExcludeSibling names a response field to redact from listings when
	// this field is filtered with ==.
	ExcludeSibling string
}

// Ops returns the operators permitted on the field.
func (f Field) Ops() []Op {
	excluded := make(map[Op]bool, len(f.Exclude))
	for _, op := range f.Exclude {
		excluded[op] = true
	}
	var out []Op
	for _, op := range families[f.Kind] {
		if !excluded[op] {
			out = append(out, op)
		}
	}
	for _, op := range f.Include {
		if !excluded[op] {
			out = append(out, op)
		}
	}
	return out
}

func (f Field) allows(op Op) bool {
	for _, candidate := range f.Ops() {
		if candidate == op {
			return true
		}
	}
	return false
}

// Registry is the statically declared filter/sort surface of one resource.
type Registry struct {
	Table  string
	fields map[string]Field
}

func NewRegistry(table string, fields ...Field) *Registry {
	r := &Registry{Table: table, fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		r.fields[f.Name] = f
	}
	return r
}

// Field looks a field up by its public name.
func (r *Registry) Field(name string) (Field, bool) {
	f, ok := r.fields[name]
	return f, ok
}

// ValidationError reports client input that cannot be turned into a
// condition: a disallowed operator or an uncoercible value.
type ValidationError struct {
	Field   string
	Op      Op
	Message string
	Allowed []Op
}

func (e *ValidationError) Error() string {
	if len(e.Allowed) > 0 {
		return fmt.Sprintf("filter %s: %s (allowed operators: %v)", e.Field, e.Message, e.Allowed)
	}
	return fmt.Sprintf("filter %s: %s", e.Field, e.Message)
}

// Filter is a parsed, validated filter term.
type Filter struct {
	Field Field
	Op    Op
	Value any
}

// Sort is a parsed sort term.
type Sort struct {
	Field Field
	Desc  bool
}

// Exclusions collects the sibling response fields that ==-filters switch off.
func Exclusions(filters []Filter) []string {
	var out []string
	for _, f := range filters {
		if f.Op == OpEq && f.Field.ExcludeSibling != "" {
			out = append(out, f.Field.ExcludeSibling)
		}
	}
	return out
}
