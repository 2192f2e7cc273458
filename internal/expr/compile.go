package expr

import (
	"fmt"
	"strings"
)

// Dialect selects placeholder and operator spelling for the target engine.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// Compile renders the expression as a SQL boolean condition plus its bind
// arguments, in placeholder order. The result is suitable for use after WHERE
// or inside a SELECT list.
func Compile(e Expr, d Dialect) (string, []any) {
	c := &compiler{dialect: d}
	c.expr(e)
	return c.sb.String(), c.args
}

type compiler struct {
	sb      strings.Builder
	args    []any
	dialect Dialect
}

func (c *compiler) placeholder(v any) {
	c.args = append(c.args, v)
	if c.dialect == Postgres {
		fmt.Fprintf(&c.sb, "$%d", len(c.args))
		return
	}
	c.sb.WriteByte('?')
}

func (c *compiler) col(col Col) {
	if col.Table != "" {
		c.sb.WriteString(col.Table)
		c.sb.WriteByte('.')
	}
	c.sb.WriteString(col.Column)
}

func (c *compiler) operand(v any) {
	if col, ok := v.(Col); ok {
		c.col(col)
		return
	}
	c.placeholder(v)
}

func (c *compiler) expr(e Expr) {
	switch n := e.(type) {
	case Bool:
		if n {
			c.sb.WriteString("TRUE")
		} else {
			c.sb.WriteString("FALSE")
		}
	case And:
		c.list(n, " AND ", "TRUE")
	case Or:
		c.list(n, " OR ", "FALSE")
	case Not:
		c.sb.WriteString("NOT (")
		c.expr(n.X)
		c.sb.WriteByte(')')
	case Cmp:
		c.cmp(n)
	case In:
		c.in(n)
	case IsNull:
		c.col(n.Col)
		c.sb.WriteString(" IS NULL")
	case Exists:
		c.sb.WriteString("EXISTS (SELECT 1 FROM ")
		c.sb.WriteString(n.Table)
		if n.As != "" && n.As != n.Table {
			c.sb.WriteString(" AS ")
			c.sb.WriteString(n.As)
		}
		c.sb.WriteString(" WHERE ")
		c.expr(n.Where)
		c.sb.WriteByte(')')
	default:
		panic(fmt.Sprintf("expr: unknown node %T", e))
	}
}

func (c *compiler) list(xs []Expr, sep, empty string) {
	if len(xs) == 0 {
		c.sb.WriteString(empty)
		return
	}
	c.sb.WriteByte('(')
	for i, x := range xs {
		if i > 0 {
			c.sb.WriteString(sep)
		}
		c.expr(x)
	}
	c.sb.WriteByte(')')
}

func (c *compiler) cmp(n Cmp) {
	if n.Op == OpHasAll {
		// (col & v) = v, the bit-set containment test.
		c.sb.WriteByte('(')
		c.col(n.Col)
		c.sb.WriteString(" & ")
		c.placeholder(n.Val)
		c.sb.WriteString(") = ")
		c.placeholder(n.Val)
		return
	}
	c.col(n.Col)
	c.sb.WriteByte(' ')
	c.sb.WriteString(c.cmpOp(n.Op))
	c.sb.WriteByte(' ')
	c.operand(n.Val)
}

func (c *compiler) cmpOp(op CmpOp) string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpLike:
		return "LIKE"
	case OpILike:
		// SQLite LIKE is case-insensitive for ASCII already.
		if c.dialect == SQLite {
			return "LIKE"
		}
		return "ILIKE"
	default:
		panic(fmt.Sprintf("expr: unknown comparison op %d", op))
	}
}

func (c *compiler) in(n In) {
	if len(n.Vals) == 0 {
		// IN over an empty list matches nothing; NOT IN matches everything.
		if n.Negate {
			c.sb.WriteString("TRUE")
		} else {
			c.sb.WriteString("FALSE")
		}
		return
	}
	c.col(n.Col)
	if n.Negate {
		c.sb.WriteString(" NOT IN (")
	} else {
		c.sb.WriteString(" IN (")
	}
	for i, v := range n.Vals {
		if i > 0 {
			c.sb.WriteString(", ")
		}
		c.placeholder(v)
	}
	c.sb.WriteByte(')')
}
