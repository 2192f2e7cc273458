package filter

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Parse reads `filter[field][op]` and `sort[field]=asc|desc` keys out of the
// query values. Unknown field names and invalid sort directions are dropped
// silently so stale clients keep working; a matched field with a disallowed
// operator or an uncoercible value is a ValidationError.
func (r *Registry) Parse(values url.Values) ([]Filter, []Sort, error) {
	var filters []Filter
	var sorts []Sort
	for key := range values {
		raw := values.Get(key)
		if name, op, ok := filterKey(key); ok {
			field, known := r.fields[name]
			if !known {
				continue
			}
			if !field.allows(Op(op)) {
				return nil, nil, &ValidationError{
					Field:   name,
					Op:      Op(op),
					Message: "operator " + op + " is not allowed",
					Allowed: field.Ops(),
				}
			}
			value, err := coerce(field, Op(op), raw)
			if err != nil {
				return nil, nil, err
			}
			filters = append(filters, Filter{Field: field, Op: Op(op), Value: value})
			continue
		}
		if name, ok := sortKey(key); ok {
			field, known := r.fields[name]
			if !known || field.Join != nil || field.Kind == Exists {
				continue
			}
			switch strings.ToLower(raw) {
			case "asc":
				sorts = append(sorts, Sort{Field: field})
			case "desc":
				sorts = append(sorts, Sort{Field: field, Desc: true})
			}
		}
	}
	return filters, sorts, nil
}

func filterKey(key string) (field, op string, ok bool) {
	rest, found := strings.CutPrefix(key, "filter[")
	if !found {
		return "", "", false
	}
	field, rest, found = strings.Cut(rest, "]")
	if !found || field == "" {
		return "", "", false
	}
	op, found = strings.CutPrefix(rest, "[")
	if !found {
		return "", "", false
	}
	op, found = strings.CutSuffix(op, "]")
	if !found || op == "" {
		return "", "", false
	}
	return field, op, true
}

func sortKey(key string) (field string, ok bool) {
	rest, found := strings.CutPrefix(key, "sort[")
	if !found {
		return "", false
	}
	field, found = strings.CutSuffix(rest, "]")
	return field, found && field != ""
}

func coerce(f Field, op Op, raw string) (any, error) {
	switch op {
	case OpIn, OpNotIn:
		return coerceList(f, raw)
	case OpExists:
		return parseBool(raw), nil
	}
	return coerceScalar(f, raw)
}

func coerceScalar(f Field, raw string) (any, error) {
	switch f.Kind {
	case Bool:
		return parseBool(raw), nil
	case Int:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &ValidationError{Field: f.Name, Message: "invalid integer " + strconv.Quote(raw)}
		}
		return n, nil
	case DateTime:
		t, err := parseTime(raw)
		if err != nil {
			return nil, &ValidationError{Field: f.Name, Message: "invalid datetime " + strconv.Quote(raw)}
		}
		return t, nil
	default:
		return raw, nil
	}
}

// coerceList parses a JSON array whose elements must all coerce to the
// field's scalar type.
func coerceList(f Field, raw string) ([]any, error) {
	var elems []any
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		return nil, &ValidationError{Field: f.Name, Message: "value must be a JSON array"}
	}
	out := make([]any, 0, len(elems))
	for _, el := range elems {
		v, err := coerceElement(f, el)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func coerceElement(f Field, el any) (any, error) {
	switch f.Kind {
	case Bool:
		if b, ok := el.(bool); ok {
			return b, nil
		}
	case Int:
		if n, ok := el.(float64); ok && n == float64(int64(n)) {
			return int64(n), nil
		}
	case DateTime:
		if s, ok := el.(string); ok {
			if t, err := parseTime(s); err == nil {
				return t, nil
			}
		}
	default:
		if s, ok := el.(string); ok {
			return s, nil
		}
	}
	return nil, &ValidationError{Field: f.Name, Message: "array element does not match the field type"}
}

// parseBool accepts "1" and "true" (any case) as true; everything else is
// false.
func parseBool(raw string) bool {
	switch strings.ToLower(raw) {
	case "1", "true":
		return true
	}
	return false
}

// parseTime parses ISO-8601, tolerating the millisecond form JavaScript's
// Date.toISOString emits.
func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, raw)
	}
	return t, err
}
