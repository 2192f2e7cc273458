package expr

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Row is a materialized record the evaluator can read columns from and
// navigate relations of. Value returns nil for NULL or unknown columns.
// Related returns nil when the row does not own the named relation, and a
// non-nil (possibly empty) slice when it does.
type Row interface {
	Value(column string) any
	Related(table string) []Row
}

// Binding attaches a row to the alias its columns are addressed by.
type Binding struct {
	As  string
	Row Row
}

// Scope is the stack of bindings visible at a point in the tree, innermost
// binding last.
type Scope []Binding

// Bind starts a scope with a single binding.
func Bind(as string, r Row) Scope {
	return Scope{{As: as, Row: r}}
}

func (s Scope) value(c Col) any {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].As == c.Table {
			return norm(s[i].Row.Value(c.Column))
		}
	}
	return nil
}

func (s Scope) related(table string) []Row {
	for i := len(s) - 1; i >= 0; i-- {
		if rows := s[i].Row.Related(table); rows != nil {
			return rows
		}
	}
	return nil
}

// Eval interprets the expression against the object graph reachable from the
// scope. The semantics mirror the SQL compilation: comparisons against NULL
// are false, EXISTS quantifies over related rows.
func Eval(e Expr, scope Scope) bool {
	switch n := e.(type) {
	case Bool:
		return bool(n)
	case And:
		for _, x := range n {
			if !Eval(x, scope) {
				return false
			}
		}
		return true
	case Or:
		for _, x := range n {
			if Eval(x, scope) {
				return true
			}
		}
		return false
	case Not:
		return !Eval(n.X, scope)
	case Cmp:
		return evalCmp(n, scope)
	case In:
		lv := scope.value(n.Col)
		if lv == nil {
			return false
		}
		for _, v := range n.Vals {
			if equal(lv, norm(v)) {
				return !n.Negate
			}
		}
		return n.Negate
	case IsNull:
		return scope.value(n.Col) == nil
	case Exists:
		for _, row := range scope.related(n.Table) {
			if Eval(n.Where, append(scope, Binding{As: n.As, Row: row})) {
				return true
			}
		}
		return false
	default:
		panic(fmt.Sprintf("expr: unknown node %T", e))
	}
}

func evalCmp(n Cmp, scope Scope) bool {
	lv := scope.value(n.Col)
	var rv any
	if col, ok := n.Val.(Col); ok {
		rv = scope.value(col)
	} else {
		rv = norm(n.Val)
	}
	if lv == nil || rv == nil {
		return false
	}
	switch n.Op {
	case OpEq:
		return equal(lv, rv)
	case OpNe:
		return !equal(lv, rv)
	case OpGt:
		return order(lv, rv) > 0
	case OpGe:
		return order(lv, rv) >= 0
	case OpLt:
		return order(lv, rv) < 0
	case OpLe:
		return order(lv, rv) <= 0
	case OpLike:
		return likeMatch(str(lv), str(rv), false)
	case OpILike:
		return likeMatch(str(lv), str(rv), true)
	case OpHasAll:
		l, lok := toInt(lv)
		r, rok := toInt(rv)
		return lok && rok && l&r == r
	default:
		panic(fmt.Sprintf("expr: unknown comparison op %d", n.Op))
	}
}

// norm collapses the value domain to nil, bool, int64, float64, string and
// time.Time, dereferencing pointers on the way.
func norm(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *string:
		if x == nil {
			return nil
		}
		return *x
	case *time.Time:
		if x == nil {
			return nil
		}
		return *x
	case *int64:
		if x == nil {
			return nil
		}
		return *x
	case *bool:
		if x == nil {
			return nil
		}
		return *x
	case bool, string, time.Time, int64, float64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	default:
		return v
	}
}

func equal(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	ai, aok := toInt(a)
	bi, bok := toInt(b)
	if aok && bok {
		return ai == bi
	}
	return a == b
}

func order(a, b any) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	ai, aok := toFloat(a)
	bi, bok := toFloat(b)
	if aok && bok {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return 0
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), x == float64(int64(x))
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// likeMatch evaluates a SQL LIKE pattern (% and _ wildcards) the way
// Postgres does, optionally case-insensitively.
func likeMatch(s, pattern string, fold bool) bool {
	var re strings.Builder
	re.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			re.WriteString("(?s).*")
		case '_':
			re.WriteString("(?s).")
		default:
			re.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	re.WriteString("$")
	pat := re.String()
	if fold {
		pat = "(?i)" + pat
	}
	matched, err := regexp.MatchString(pat, s)
	return err == nil && matched
}
