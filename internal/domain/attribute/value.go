package attribute

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the type carried by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNumber
	KindBool
	KindString
	KindSet
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindSet:
		return "set"
	default:
		return "invalid"
	}
}

// ParseKind maps a configuration name ("number", "bool", ...) to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "number", "numeric", "int", "float":
		return KindNumber, true
	case "bool", "boolean":
		return KindBool, true
	case "string", "text", "code":
		return KindString, true
	case "set", "flags":
		return KindSet, true
	}
	return KindInvalid, false
}

// Value is an immutable typed attribute value.
type Value struct {
	kind Kind
	num  float64
	b    bool
	str  string
	set  []string // sorted, deduplicated
}

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func String(s string) Value { return Value{kind: KindString, str: s} }

// Set builds a set value. Members are trimmed, deduplicated and sorted.
func Set(members ...string) Value {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return Value{kind: KindSet, set: out}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Number() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) Text() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Members returns a copy of the set members.
func (v Value) Members() []string {
	if v.kind != KindSet {
		return nil
	}
	out := make([]string, len(v.set))
	copy(out, v.set)
	return out
}

// NumericLike reports the numeric reading of the value. Numbers are numeric;
// strings are numeric when they parse as a float.
func (v Value) NumericLike() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Contains reports set membership (case-insensitive). A string value behaves
// as a one-element set.
func (v Value) Contains(member string) bool {
	switch v.kind {
	case KindSet:
		for _, m := range v.set {
			if strings.EqualFold(m, member) {
				return true
			}
		}
	case KindString:
		return strings.EqualFold(v.str, member)
	}
	return false
}

// Interface returns the plain Go representation used in traces and JSON.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindString:
		return v.str
	case KindSet:
		return v.Members()
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// FromInterface converts a decoded JSON/YAML scalar or list into a Value.
func FromInterface(raw interface{}) (Value, bool) {
	switch x := raw.(type) {
	case float64:
		return Number(x), true
	case float32:
		return Number(float64(x)), true
	case int:
		return Number(float64(x)), true
	case int64:
		return Number(float64(x)), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, false
		}
		return Number(f), true
	case bool:
		return Bool(x), true
	case string:
		return String(x), true
	case []string:
		return Set(x...), true
	case []interface{}:
		members := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return Value{}, false
			}
			members = append(members, s)
		}
		return Set(members...), true
	}
	return Value{}, false
}
