// Package audience compiles declarative targeting rules into recipient
// matching predicates.
//
// An audience is an ordered list of {field, operator, value} rules
// interpreted as a conjunction. Compile turns the list into a pure
// predicate over the recipient pool; the same rules and the same pool
// snapshot always produce the same result.
//
// # Fail-open policy
//
// Rule interpretation is deliberately forgiving: an unknown operator, a
// blank field, or an unusable value compiles to the match-all predicate
// instead of failing resolution. A malformed rule therefore widens the
// audience rather than blocking a send. The one restriction that can
// never be relaxed is reachability - the compiled predicate always
// requires a non-empty push channel identifier, so targeting cannot
// select recipients the provider has no way to address.
//
// # Basic Usage
//
//	rules := []audience.Rule{
//	    {Field: "city", Operator: audience.OpEq, Value: "Istanbul"},
//	    {Field: "interests", Operator: audience.OpContains, Value: "sports"},
//	}
//
//	matched := audience.Filter(pool, rules)
package audience
