package rules

import (
	"fmt"
	"strconv"

	"github.com/carelink/carelink/internal/domain/attribute"
)

// DefaultMaxDepth is the depth ceiling applied when none is configured.
const DefaultMaxDepth = 32

// Validate checks a tree before it is persisted or loaded: closed operator
// set, known fields, value shapes and the depth ceiling. A zero schema skips
// the field checks.
func Validate(c Condition, schema attribute.Schema, maxDepth int) error {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return validateNode(c, schema, maxDepth, 1, "0")
}

func validateNode(c Condition, schema attribute.Schema, maxDepth, depth int, path string) error {
	if depth > maxDepth {
		return &ConfigurationError{Path: path, Reason: fmt.Sprintf("tree deeper than %d levels", maxDepth)}
	}
	if c.IsGroup() {
		if !c.Logic.valid() {
			return &ConfigurationError{Path: path, Reason: fmt.Sprintf("unknown group operator %q", c.Logic)}
		}
		for i, child := range c.Conditions {
			if err := validateNode(child, schema, maxDepth, depth+1, path+"."+strconv.Itoa(i)); err != nil {
				return err
			}
		}
		return nil
	}
	return validateLeaf(c, schema, path)
}

func validateLeaf(c Condition, schema attribute.Schema, path string) error {
	fail := func(reason string, args ...interface{}) error {
		return &ConfigurationError{Path: path, Field: c.Field, Reason: fmt.Sprintf(reason, args...)}
	}
	if c.Field == "" {
		return fail("leaf has no field")
	}
	if Logic(c.Operator).valid() {
		return fail("group operator %q used on a leaf", c.Operator)
	}
	if !c.Operator.Known() {
		return fail("unknown operator %q", c.Operator)
	}

	switch c.Operator {
	case OpGTE, OpLTE:
		if _, ok := c.Value.numeric(); !ok {
			return fail("operator %s needs a numeric value", c.Operator)
		}
	case OpBetween:
		if c.Value.kind != ValueRange {
			return fail("between needs a [low, high] pair")
		}
		if c.Value.lo > c.Value.hi {
			return fail("between range [%v, %v] is inverted", c.Value.lo, c.Value.hi)
		}
	case OpContains:
		if c.Value.kind != ValueString {
			return fail("contains needs a string value")
		}
	case OpEQ, OpNEQ:
		if c.Value.kind == ValueNone || c.Value.kind == ValueRange {
			return fail("operator %s needs a scalar value", c.Operator)
		}
	}

	if schema.IsZero() {
		return nil
	}
	kind, ok := schema.Kind(c.Field)
	if !ok {
		return fail("unknown attribute field")
	}
	switch c.Operator {
	case OpGTE, OpLTE, OpBetween:
		if kind != attribute.KindNumber && kind != attribute.KindString {
			return fail("operator %s cannot apply to a %s field", c.Operator, kind)
		}
	case OpContains:
		if kind != attribute.KindSet && kind != attribute.KindString {
			return fail("contains cannot apply to a %s field", kind)
		}
	case OpEQ, OpNEQ:
		if kind == attribute.KindSet {
			return fail("operator %s cannot apply to a set field", c.Operator)
		}
	}
	return nil
}
