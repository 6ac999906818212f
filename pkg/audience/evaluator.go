package audience

import (
	"fmt"
	"strings"
)

// Predicate reports whether a recipient matches an audience. Compiled
// predicates are pure: they close over normalized rule values only and
// never touch shared state.
type Predicate func(Recipient) bool

// Reachable is the default predicate: it admits recipients that carry
// at least one non-empty push channel identifier. It is ANDed beneath
// every compiled rule set and is what an empty or unresolvable rule
// list degrades to.
func Reachable(r Recipient) bool {
	return r.HasChannel()
}

func matchAll(Recipient) bool { return true }

// Compile builds a single predicate from an audience's rule list.
// Rules combine by logical AND on top of the Reachable baseline.
// Malformed rules contribute match-all rather than an error; failures
// are contained per rule, not fatal to resolution.
func Compile(rules []Rule) Predicate {
	preds := make([]Predicate, 0, len(rules)+1)
	preds = append(preds, Reachable)
	for _, rule := range rules {
		preds = append(preds, compileRule(rule))
	}

	return func(r Recipient) bool {
		for _, p := range preds {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

// Filter applies the compiled rule set to a recipient pool snapshot.
func Filter(pool []Recipient, rules []Rule) []Recipient {
	pred := Compile(rules)
	matched := make([]Recipient, 0, len(pool))
	for _, r := range pool {
		if pred(r) {
			matched = append(matched, r)
		}
	}
	return matched
}

func compileRule(rule Rule) Predicate {
	field := strings.TrimSpace(rule.Field)
	if field == "" || !rule.Operator.Valid() {
		return matchAll
	}

	switch rule.Operator {
	case OpIsNull:
		return func(r Recipient) bool {
			v, ok := r.Attribute(field)
			return !ok || v == nil
		}
	case OpNotNull:
		return func(r Recipient) bool {
			v, ok := r.Attribute(field)
			return ok && v != nil
		}
	}

	// The remaining operators need a usable value; without one the
	// rule keeps the original fail-open behavior.
	if rule.Value == nil {
		return matchAll
	}
	if s, ok := rule.Value.(string); ok && strings.TrimSpace(s) == "" {
		return matchAll
	}

	switch rule.Operator {
	case OpEq:
		want := stringify(rule.Value)
		return func(r Recipient) bool {
			v, ok := r.Attribute(field)
			return ok && stringify(v) == want
		}
	case OpNe:
		want := stringify(rule.Value)
		return func(r Recipient) bool {
			v, ok := r.Attribute(field)
			return !ok || stringify(v) != want
		}
	case OpContains:
		want := strings.ToLower(stringify(rule.Value))
		return func(r Recipient) bool {
			v, ok := r.Attribute(field)
			if !ok || v == nil {
				return false
			}
			// Set-valued attributes (interest lists) match on
			// membership; scalars on substring.
			if elems, ok := asSlice(v); ok {
				for _, e := range elems {
					if strings.EqualFold(stringify(e), stringify(rule.Value)) {
						return true
					}
				}
				return false
			}
			return strings.Contains(strings.ToLower(stringify(v)), want)
		}
	case OpIn:
		set := valueSet(rule.Value)
		return func(r Recipient) bool {
			v, ok := r.Attribute(field)
			if !ok {
				return false
			}
			_, hit := set[stringify(v)]
			return hit
		}
	case OpNotIn:
		set := valueSet(rule.Value)
		return func(r Recipient) bool {
			v, ok := r.Attribute(field)
			if !ok {
				return true
			}
			_, hit := set[stringify(v)]
			return !hit
		}
	}

	return matchAll
}

// valueSet normalizes a scalar or slice rule value into a lookup set.
func valueSet(value any) map[string]struct{} {
	set := make(map[string]struct{})
	if elems, ok := asSlice(value); ok {
		for _, e := range elems {
			set[stringify(e)] = struct{}{}
		}
		return set
	}
	set[stringify(value)] = struct{}{}
	return set
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		elems := make([]any, len(s))
		for i, e := range s {
			elems[i] = e
		}
		return elems, true
	}
	return nil, false
}

// stringify folds scalar values into a canonical string so that rule
// values decoded from JSON (always string or float64) compare equal to
// natively typed recipient attributes.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		// JSON numbers decode as float64; render integral values
		// without the fractional part so 30.0 matches int(30).
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", v)
	}
}
