// Package query implements the Query Compiler and Filter Composer:
// turning flat keyed request arguments into a sanitised, nested
// comparison tree and composing store filters from it.
package query

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/param"
)

// InvalidQuery reports a grammar, bracket, or conflicting-value error while
// parsing the raw query.
type InvalidQuery struct{ Reason string }

func (e *InvalidQuery) Error() string { return "query: invalid query: " + e.Reason }

// ValidateError reports a type-coercion or operator mismatch against the
// Parameter Registry.
type ValidateError struct{ Reason string }

func (e *ValidateError) Error() string { return "query: validation error: " + e.Reason }

// Cond is one sanitised leaf condition: field `Key`, operator `Op`
// (model.OpNone for a bare value), compared against `Value`.
type Cond struct {
	Key   string
	Op    model.Op
	Value model.Value
}

// Query is the sanitised, flattened condition list the rest of the broker
// operates on. Conds are sorted by raw key, so compiling the same input
// always yields the same order, including when round-tripping through Render.
type Query struct {
	Conds []Cond
}

// Raw is the flat multidict of raw request arguments as received (e.g. from
// URL query-string decoding or a JSON body flattened the same way).
type Raw map[string][]string

// Compile runs Pass A (structural parsing) and Pass B (operator splitting)
// then sanitises every leaf against reg.
func Compile(raw Raw, reg *param.Registry) (*Query, error) {
	nested, err := parseStructural(raw)
	if err != nil {
		return nil, err
	}
	conds, err := splitOperators(nested)
	if err != nil {
		return nil, err
	}
	sanitised, err := sanitise(conds, reg)
	if err != nil {
		return nil, err
	}
	return &Query{Conds: sanitised}, nil
}

// parseStructural implements Pass A: bracket/dot qualified keys into a flat
// map of fully-qualified key -> value, detecting conflicting repeats.
//
// Grammar:
//
//	key     := segment ( ('[' segment ']') | ('.' segment) )*
//	segment := <string without '[' ']' '.' ':'> | '' (list marker)
//
// At most one level of brackets; an empty segment is only valid at the very
// end and denotes list-append: repeated values under such a key are
// collected, and splitOperators turns more than one value into an $in
// condition over the string list.
func parseStructural(raw Raw) (map[string][]string, error) {
	seen := map[string]string{}
	out := map[string][]string{}
	for key, values := range raw {
		if err := validateKeyGrammar(key); err != nil {
			return nil, err
		}
		for _, v := range values {
			if prior, ok := seen[key]; ok && prior != v && !strings.HasSuffix(key, "[]") {
				return nil, &InvalidQuery{Reason: fmt.Sprintf("conflicting values for key %q", key)}
			}
			seen[key] = v
			out[key] = append(out[key], v)
		}
	}
	return out, nil
}

func validateKeyGrammar(key string) error {
	if key == "" {
		return &InvalidQuery{Reason: "empty key"}
	}
	open := strings.Count(key, "[")
	if open > 1 {
		return &InvalidQuery{Reason: fmt.Sprintf("key %q uses nested brackets, at most one level is allowed", key)}
	}
	if strings.Count(key, "]") != open {
		return &InvalidQuery{Reason: fmt.Sprintf("key %q has unbalanced brackets", key)}
	}
	if open == 1 {
		start := strings.Index(key, "[")
		end := strings.Index(key, "]")
		if end < start {
			return &InvalidQuery{Reason: fmt.Sprintf("key %q has unbalanced brackets", key)}
		}
		inner := key[start+1 : end]
		if inner == "" && end != len(key)-1 {
			return &InvalidQuery{Reason: fmt.Sprintf("key %q uses the empty list marker before the end of the key", key)}
		}
	}
	return nil
}

// splitOperators implements Pass B: any leaf key matching "<name>:<op>" is
// rewritten to an explicit operator condition; a bare value is OpNone.
func splitOperators(nested map[string][]string) ([]Cond, error) {
	// stable order for round-trip determinism
	keys := make([]string, 0, len(nested))
	for k := range nested {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conds []Cond
	for _, key := range keys {
		values := nested[key]
		name, op, err := splitKeyOp(key)
		if err != nil {
			return nil, err
		}
		if len(values) > 1 {
			conds = append(conds, Cond{Key: name, Op: model.OpIn, Value: model.StringList(values)})
			continue
		}
		conds = append(conds, Cond{Key: name, Op: op, Value: model.String(values[0])})
	}
	return conds, nil
}

var allowedOps = map[string]model.Op{
	"eq": model.OpEq, "in": model.OpIn, "lt": model.OpLt,
	"lte": model.OpLte, "gt": model.OpGt, "gte": model.OpGte,
}

func splitKeyOp(key string) (name string, op model.Op, err error) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return key, model.OpNone, nil
	}
	name, opStr := key[:idx], key[idx+1:]
	op, ok := allowedOps[opStr]
	if !ok {
		return "", "", &InvalidQuery{Reason: fmt.Sprintf("unknown operator suffix %q on key %q", opStr, key)}
	}
	return name, op, nil
}

// sanitise coerces each leaf to the declared type and checks the operator is
// permitted; an unknown parameter passes through untyped with a logged
// warning rather than erroring, so a provisioner-only field never has to be
// pre-declared here.
func sanitise(conds []Cond, reg *param.Registry) ([]Cond, error) {
	out := make([]Cond, 0, len(conds))
	for _, c := range conds {
		p, ok := reg.Get(c.Key)
		if !ok {
			slog.Default().Warn("query: unknown parameter passes through unchecked", "parameter", c.Key)
			out = append(out, c) // unknown parameter: pass through verbatim
			continue
		}
		op := c.Op
		if op == model.OpNone && !p.HasOp(model.OpNone) {
			op = model.OpEq
		}
		if !p.HasOp(op) {
			return nil, &ValidateError{Reason: fmt.Sprintf("operator %q not allowed for parameter %q", op, c.Key)}
		}
		v, err := coerce(c.Value, p.Type)
		if err != nil {
			return nil, &ValidateError{Reason: fmt.Sprintf("parameter %q: %v", c.Key, err)}
		}
		out = append(out, Cond{Key: c.Key, Op: op, Value: v})
	}
	return out, nil
}

func coerce(v model.Value, kind model.Kind) (model.Value, error) {
	if v.Kind == kind {
		return v, nil
	}
	if v.Kind == model.KindStringList && kind != model.KindStringList {
		// $in comparisons keep each element typed individually by the caller;
		// here we just coerce the list's element type implicitly as strings.
		return v, nil
	}
	if v.Kind != model.KindString {
		return v, nil
	}
	switch kind {
	case model.KindInt:
		i, err := strconv.ParseInt(v.Str, 10, 64)
		if err != nil {
			return model.Value{}, fmt.Errorf("not an integer: %q", v.Str)
		}
		return model.Int(i), nil
	case model.KindFloat:
		f, err := strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return model.Value{}, fmt.Errorf("not a float: %q", v.Str)
		}
		return model.Float(f), nil
	case model.KindBool:
		b, err := strconv.ParseBool(v.Str)
		if err != nil {
			return model.Value{}, fmt.Errorf("not a bool: %q", v.Str)
		}
		return model.Bool(b), nil
	case model.KindString:
		return v, nil
	default:
		return v, nil
	}
}

// Render is the inverse of Compile for the subset it needs to round-trip:
// it reconstructs a Raw multidict from a sanitised Query such that
// Compile(Render(q), reg) == q for any q whose leaves are already of the
// parameter's declared type.
func Render(q *Query) Raw {
	out := Raw{}
	for _, c := range q.Conds {
		key := c.Key
		if c.Op != model.OpNone {
			key = fmt.Sprintf("%s:%s", c.Key, opName(c.Op))
		}
		out[key] = append(out[key], renderValue(c.Value)...)
	}
	return out
}

func opName(op model.Op) string {
	for name, o := range allowedOps {
		if o == op {
			return name
		}
	}
	return string(op)
}

func renderValue(v model.Value) []string {
	switch v.Kind {
	case model.KindStringList:
		return append([]string{}, v.Strs...)
	case model.KindInt:
		return []string{strconv.FormatInt(v.Int, 10)}
	case model.KindFloat:
		return []string{strconv.FormatFloat(v.Float, 'g', -1, 64)}
	case model.KindBool:
		return []string{strconv.FormatBool(v.Bool)}
	default:
		return []string{v.Str}
	}
}
