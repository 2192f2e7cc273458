package filter

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"marginalia/api/internal/expr"
)

func testRegistry() *Registry {
	return NewRegistry("documents",
		Field{Name: "title", Col: expr.Col{Table: "documents", Column: "title"}, Kind: String},
		Field{Name: "visibility", Col: expr.Col{Table: "documents", Column: "visibility"}, Kind: Enum},
		Field{Name: "verified", Col: expr.Col{Table: "documents", Column: "verified"}, Kind: Bool},
		Field{Name: "weight", Col: expr.Col{Table: "documents", Column: "weight"}, Kind: Int},
		Field{Name: "created_at", Col: expr.Col{Table: "documents", Column: "created_at"}, Kind: DateTime},
		Field{
			Name: "comments",
			Kind: Exists,
			Join: &Join{Table: "comments", As: "fc", On: [2]expr.Col{{Table: "fc", Column: "document_id"}, {Table: "documents", Column: "id"}}},
		},
	)
}

func TestParseFilters(t *testing.T) {
	r := testRegistry()
	values := url.Values{}
	values.Set("filter[title][ilike]", "plan")
	values.Set("filter[visibility][==]", "PUBLIC")
	values.Set("filter[weight][>=]", "3")
	values.Set("filter[comments][exists]", "true")

	filters, sorts, err := r.Parse(values)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(filters) != 4 {
		t.Fatalf("got %d filters, want 4", len(filters))
	}
	if len(sorts) != 0 {
		t.Fatalf("got %d sorts, want 0", len(sorts))
	}
	byName := map[string]Filter{}
	for _, f := range filters {
		byName[f.Field.Name] = f
	}
	if byName["weight"].Value != int64(3) {
		t.Fatalf("weight coerced to %#v, want int64(3)", byName["weight"].Value)
	}
	if byName["comments"].Value != true {
		t.Fatalf("comments coerced to %#v, want true", byName["comments"].Value)
	}
}

// Unknown fields in filters and sorts are dropped so old servers tolerate new
// clients; a bad operator on a known field is a hard error.
func TestParseToleranceAndValidation(t *testing.T) {
	r := testRegistry()

	values := url.Values{}
	values.Set("filter[nonexistent][==]", "x")
	values.Set("sort[nonexistent]", "asc")
	values.Set("sort[title]", "sideways")
	filters, sorts, err := r.Parse(values)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(filters) != 0 || len(sorts) != 0 {
		t.Fatalf("filters=%d sorts=%d, want both dropped", len(filters), len(sorts))
	}

	values = url.Values{}
	values.Set("filter[visibility][like]", "PUB")
	_, _, err = r.Parse(values)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("got %v, want ValidationError", err)
	}
	if validationErr.Field != "visibility" || len(validationErr.Allowed) == 0 {
		t.Fatalf("unexpected error detail: %+v", validationErr)
	}
}

func TestParseSorts(t *testing.T) {
	r := testRegistry()
	values := url.Values{}
	values.Set("sort[created_at]", "desc")
	values.Set("sort[comments]", "asc") // relation fields cannot be sorted

	_, sorts, err := r.Parse(values)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(sorts) != 1 || sorts[0].Field.Name != "created_at" || !sorts[0].Desc {
		t.Fatalf("sorts = %+v", sorts)
	}
}

func TestParseListCoercion(t *testing.T) {
	r := testRegistry()

	values := url.Values{}
	values.Set("filter[weight][in]", "[1, 2, 3]")
	filters, _, err := r.Parse(values)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	vals := filters[0].Value.([]any)
	if len(vals) != 3 || vals[0] != int64(1) {
		t.Fatalf("coerced list = %#v", vals)
	}

	values = url.Values{}
	values.Set("filter[weight][in]", "[1.5]")
	if _, _, err := r.Parse(values); err == nil {
		t.Fatal("fractional element must not coerce to an integer field")
	}

	values = url.Values{}
	values.Set("filter[visibility][in]", "not-json")
	if _, _, err := r.Parse(values); err == nil {
		t.Fatal("non-JSON list must be rejected")
	}
}

func TestParseScalarCoercion(t *testing.T) {
	r := testRegistry()

	values := url.Values{}
	values.Set("filter[created_at][>=]", "2025-06-01T12:00:00Z")
	filters, _, err := r.Parse(values)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := filters[0].Value.(time.Time); !got.Equal(want) {
		t.Fatalf("parsed time = %v", got)
	}

	values = url.Values{}
	values.Set("filter[created_at][>=]", "2025-06-01T12:00:00.123Z")
	if _, _, err := r.Parse(values); err != nil {
		t.Fatalf("millisecond timestamps must parse: %v", err)
	}

	values = url.Values{}
	values.Set("filter[created_at][>=]", "yesterday")
	if _, _, err := r.Parse(values); err == nil {
		t.Fatal("garbage datetime must be rejected")
	}

	values = url.Values{}
	values.Set("filter[weight][==]", "ten")
	if _, _, err := r.Parse(values); err == nil {
		t.Fatal("garbage integer must be rejected")
	}

	values = url.Values{}
	values.Set("filter[verified][==]", "TRUE")
	filters, _, err = r.Parse(values)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if filters[0].Value != true {
		t.Fatalf("bool coerced to %#v", filters[0].Value)
	}
}

func TestFilterKeyShapes(t *testing.T) {
	cases := []struct {
		key   string
		field string
		op    string
		ok    bool
	}{
		{"filter[title][ilike]", "title", "ilike", true},
		{"filter[created_at][>=]", "created_at", ">=", true},
		{"filter[title]", "", "", false},
		{"filter[][==]", "", "", false},
		{"filter[title][]", "", "", false},
		{"sort[title]", "", "", false},
		{"limit", "", "", false},
	}
	for _, tc := range cases {
		field, op, ok := filterKey(tc.key)
		if ok != tc.ok || field != tc.field || op != tc.op {
			t.Fatalf("filterKey(%q) = %q, %q, %v", tc.key, field, op, ok)
		}
	}
}

func TestFieldOpsIncludeExclude(t *testing.T) {
	f := Field{Name: "visibility", Kind: Enum, Include: []Op{OpLike}, Exclude: []Op{OpNotIn}}
	ops := f.Ops()
	has := func(op Op) bool {
		for _, o := range ops {
			if o == op {
				return true
			}
		}
		return false
	}
	if !has(OpLike) {
		t.Fatal("included operator missing")
	}
	if has(OpNotIn) {
		t.Fatal("excluded operator still present")
	}
	if !has(OpEq) || !has(OpIn) {
		t.Fatal("family operators missing")
	}
}

func TestExclusions(t *testing.T) {
	f := Field{Name: "document_id", Kind: Enum, ExcludeSibling: "document_id"}
	got := Exclusions([]Filter{
		{Field: f, Op: OpEq, Value: "doc_1"},
		{Field: f, Op: OpIn, Value: []any{"doc_1"}},
	})
	if len(got) != 1 || got[0] != "document_id" {
		t.Fatalf("exclusions = %v, want [document_id] from the == filter only", got)
	}
}
