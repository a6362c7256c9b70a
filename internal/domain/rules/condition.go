// Package rules models eligibility condition trees and evaluates them against
// an attribute bag. Evaluation is pure: no I/O and no shared state.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Operator is a leaf comparison operator.
type Operator string

const (
	OpGTE      Operator = ">="
	OpLTE      Operator = "<="
	OpEQ       Operator = "=="
	OpNEQ      Operator = "!="
	OpContains Operator = "contains"
	OpBetween  Operator = "between"
)

// Logic is a group combinator.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

func (l Logic) valid() bool { return l == LogicAnd || l == LogicOr }

// ValueKind identifies the shape of a leaf's expected value.
type ValueKind uint8

const (
	ValueNone ValueKind = iota
	ValueNumber
	ValueString
	ValueBool
	ValueRange
)

// Value is the expected value of a leaf: a scalar or an inclusive
// [low, high] numeric pair.
type Value struct {
	kind   ValueKind
	num    float64
	str    string
	b      bool
	lo, hi float64
}

func Num(f float64) Value { return Value{kind: ValueNumber, num: f} }

func Str(s string) Value { return Value{kind: ValueString, str: s} }

func Bool(b bool) Value { return Value{kind: ValueBool, b: b} }

// Between builds an inclusive range value.
func Between(lo, hi float64) Value { return Value{kind: ValueRange, lo: lo, hi: hi} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) Range() (lo, hi float64) { return v.lo, v.hi }

// Interface returns the plain Go representation used in traces.
func (v Value) Interface() interface{} {
	switch v.kind {
	case ValueNumber:
		return v.num
	case ValueString:
		return v.str
	case ValueBool:
		return v.b
	case ValueRange:
		return [2]float64{v.lo, v.hi}
	}
	return nil
}

// numeric returns the numeric reading of a number or numeric string.
func (v Value) numeric() (float64, bool) {
	switch v.kind {
	case ValueNumber:
		return v.num, true
	case ValueString:
		f, err := strconv.ParseFloat(v.str, 64)
		return f, err == nil
	}
	return 0, false
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueNumber:
		return json.Marshal(v.num)
	case ValueString:
		return json.Marshal(v.str)
	case ValueBool:
		return json.Marshal(v.b)
	case ValueRange:
		return json.Marshal([2]float64{v.lo, v.hi})
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Str(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '[':
		var pair []float64
		if err := json.Unmarshal(data, &pair); err != nil || len(pair) != 2 {
			return &ConfigurationError{Reason: fmt.Sprintf("value %s: expected a [low, high] numeric pair", data)}
		}
		*v = Between(pair[0], pair[1])
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return &ConfigurationError{Reason: fmt.Sprintf("value %s: unsupported value", data)}
		}
		*v = Num(f)
	}
	return nil
}

// Condition is a node of an eligibility condition tree: either a group
// (Logic set, Conditions holding children by value) or a leaf (Field,
// Operator, Value). Trees are built once and treated as immutable.
type Condition struct {
	Logic      Logic
	Conditions []Condition

	Field    string
	Operator Operator
	Value    Value
}

// IsGroup reports whether the node is a group.
func (c Condition) IsGroup() bool { return c.Logic != "" }

// Leaf builds a leaf node.
func Leaf(field string, op Operator, v Value) Condition {
	return Condition{Field: field, Operator: op, Value: v}
}

// All builds an AND group.
func All(children ...Condition) Condition {
	return Condition{Logic: LogicAnd, Conditions: children}
}

// Any builds an OR group.
func Any(children ...Condition) Condition {
	return Condition{Logic: LogicOr, Conditions: children}
}

// Depth returns the height of the tree; a single leaf has depth 1.
func Depth(c Condition) int {
	if !c.IsGroup() {
		return 1
	}
	max := 0
	for _, child := range c.Conditions {
		if d := Depth(child); d > max {
			max = d
		}
	}
	return max + 1
}

// Fields returns the distinct fields referenced by the tree, in first-seen order.
func Fields(c Condition) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(Condition)
	walk = func(n Condition) {
		if n.IsGroup() {
			for _, child := range n.Conditions {
				walk(child)
			}
			return
		}
		if !seen[n.Field] {
			seen[n.Field] = true
			out = append(out, n.Field)
		}
	}
	walk(c)
	return out
}

type groupWire struct {
	Operator   Logic       `json:"operator"`
	Conditions []Condition `json:"conditions"`
}

type leafWire struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value"`
}

func (c Condition) MarshalJSON() ([]byte, error) {
	if c.IsGroup() {
		children := c.Conditions
		if children == nil {
			children = []Condition{}
		}
		return json.Marshal(groupWire{Operator: c.Logic, Conditions: children})
	}
	return json.Marshal(leafWire{Field: c.Field, Operator: c.Operator, Value: c.Value})
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var op string
	if b, ok := raw["operator"]; ok {
		if err := json.Unmarshal(b, &op); err != nil {
			return &ConfigurationError{Reason: "operator must be a string"}
		}
	}
	_, hasField := raw["field"]
	children, hasChildren := raw["conditions"]

	if hasChildren || (!hasField && Logic(op).valid()) {
		var kids []Condition
		if hasChildren {
			if err := json.Unmarshal(children, &kids); err != nil {
				return err
			}
		}
		if len(kids) == 0 {
			kids = nil
		}
		*c = Condition{Logic: Logic(op), Conditions: kids}
		if c.Logic == "" {
			return &ConfigurationError{Reason: "group is missing its operator"}
		}
		return nil
	}

	var leaf leafWire
	if hasField {
		if err := json.Unmarshal(raw["field"], &leaf.Field); err != nil {
			return &ConfigurationError{Reason: "field must be a string"}
		}
	}
	if b, ok := raw["value"]; ok {
		if err := json.Unmarshal(b, &leaf.Value); err != nil {
			return err
		}
	}
	*c = Condition{Field: leaf.Field, Operator: Operator(op), Value: leaf.Value}
	return nil
}

// Parse decodes a condition tree from its stored JSON form.
func Parse(data []byte) (Condition, error) {
	var c Condition
	if err := json.Unmarshal(data, &c); err != nil {
		return Condition{}, err
	}
	return c, nil
}
