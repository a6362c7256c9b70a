package rules

import (
	"github.com/carelink/carelink/internal/domain/attribute"
)

// Leaf failure reasons recorded in traces.
const (
	ReasonMissingField = "missing_field"
	ReasonTypeMismatch = "type_mismatch"
	ReasonNotSatisfied = "not_satisfied"
)

type compareFunc func(actual attribute.Value, expected Value) (bool, string)

// dispatch is the closed operator table. Anything not listed here is rejected
// by Validate and faults at evaluation time.
var dispatch = map[Operator]compareFunc{
	OpGTE:      numericCompare(func(a, e float64) bool { return a >= e }),
	OpLTE:      numericCompare(func(a, e float64) bool { return a <= e }),
	OpEQ:       equalCompare(true),
	OpNEQ:      equalCompare(false),
	OpContains: containsCompare,
	OpBetween:  betweenCompare,
}

// Operators returns the supported leaf operators.
func Operators() []Operator {
	return []Operator{OpGTE, OpLTE, OpEQ, OpNEQ, OpContains, OpBetween}
}

// Known reports whether op is in the dispatch table.
func (op Operator) Known() bool {
	_, ok := dispatch[op]
	return ok
}

func verdict(ok bool) (bool, string) {
	if ok {
		return true, ""
	}
	return false, ReasonNotSatisfied
}

func numericCompare(cmp func(actual, expected float64) bool) compareFunc {
	return func(actual attribute.Value, expected Value) (bool, string) {
		a, ok := actual.NumericLike()
		if !ok {
			return false, ReasonTypeMismatch
		}
		e, ok := expected.numeric()
		if !ok {
			return false, ReasonTypeMismatch
		}
		return verdict(cmp(a, e))
	}
}

func equalCompare(wantEqual bool) compareFunc {
	return func(actual attribute.Value, expected Value) (bool, string) {
		var equal bool
		a, aNum := actual.NumericLike()
		e, eNum := expected.numeric()
		switch {
		case aNum && eNum:
			equal = a == e
		case actual.Kind() == attribute.KindBool && expected.kind == ValueBool:
			b, _ := actual.Bool()
			equal = b == expected.b
		case actual.Kind() == attribute.KindString && expected.kind == ValueString:
			s, _ := actual.Text()
			equal = s == expected.str
		default:
			return false, ReasonTypeMismatch
		}
		return verdict(equal == wantEqual)
	}
}

func containsCompare(actual attribute.Value, expected Value) (bool, string) {
	if expected.kind != ValueString {
		return false, ReasonTypeMismatch
	}
	switch actual.Kind() {
	case attribute.KindSet, attribute.KindString:
		return verdict(actual.Contains(expected.str))
	}
	return false, ReasonTypeMismatch
}

func betweenCompare(actual attribute.Value, expected Value) (bool, string) {
	if expected.kind != ValueRange {
		return false, ReasonTypeMismatch
	}
	a, ok := actual.NumericLike()
	if !ok {
		return false, ReasonTypeMismatch
	}
	return verdict(a >= expected.lo && a <= expected.hi)
}
