// Package expr defines a small boolean-expression tree over relational rows.
// The same tree is interpreted twice: compiled to a SQL condition for query
// filtering, and evaluated directly against an in-memory object graph. Access
// rules built on this package therefore cannot drift between their database
// and in-process forms.
package expr

// Col references a column of a table or of a subquery alias.
type Col struct {
	Table  string
	Column string
}

// CmpOp is a comparison operator usable in a Cmp node.
type CmpOp int

const (
	OpEq CmpOp = iota
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
	OpLike
	OpILike
	// OpHasAll tests that an integer bit-set column contains every bit of
	// the operand: (col & v) = v.
	OpHasAll
)

// Expr is a boolean expression node. The set of implementations is closed;
// both interpreters switch over it exhaustively.
type Expr interface {
	isExpr()
}

// Bool is a constant truth value.
type Bool bool

// And is the conjunction of its children. An empty And is true.
type And []Expr

// Or is the disjunction of its children. An empty Or is false.
type Or []Expr

// Not negates its child.
type Not struct {
	X Expr
}

// Cmp compares a column against a literal value, or against another column
// when Val is a Col. A NULL on either side makes the comparison false.
type Cmp struct {
	Col Col
	Op  CmpOp
	Val any
}

// In tests column membership in a literal list. Negate turns it into NOT IN.
// A NULL column value never matches, negated or not.
type In struct {
	Col    Col
	Vals   []any
	Negate bool
}

// IsNull tests a column for NULL.
type IsNull struct {
	Col Col
}

// Exists is a correlated subquery against Table, bound under alias As inside
// Where. Columns of enclosing scopes stay visible to Where.
type Exists struct {
	Table string
	As    string
	Where Expr
}

func (Bool) isExpr()   {}
func (And) isExpr()    {}
func (Or) isExpr()     {}
func (Not) isExpr()    {}
func (Cmp) isExpr()    {}
func (In) isExpr()     {}
func (IsNull) isExpr() {}
func (Exists) isExpr() {}
