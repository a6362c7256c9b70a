// Package attribute holds the typed facts a patient assessment yields. A Bag is
// immutable once built and is what eligibility rules read.
package attribute

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FlagsField is the set-valued field holding a patient's named clinical flags.
const FlagsField = "flags"

// Bag is a flat, typed, immutable view of a patient's clinical state. It is
// built fresh for each evaluation through a Builder.
type Bag struct {
	values map[string]Value
}

// Get returns the value stored under field.
func (b Bag) Get(field string) (Value, bool) {
	v, ok := b.values[field]
	return v, ok
}

func (b Bag) Has(field string) bool {
	_, ok := b.values[field]
	return ok
}

// HasFlag reports whether the named flag is raised, either as a member of the
// flags set or as a boolean field set to true.
func (b Bag) HasFlag(name string) bool {
	if flags, ok := b.values[FlagsField]; ok && flags.Contains(name) {
		return true
	}
	for field, v := range b.values {
		if v.kind == KindBool && v.b && strings.EqualFold(field, name) {
			return true
		}
	}
	return false
}

// Fields returns the field names in ascending order.
func (b Bag) Fields() []string {
	out := make([]string, 0, len(b.values))
	for k := range b.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (b Bag) Len() int { return len(b.values) }

// Without returns a copy of the bag with the given fields removed.
func (b Bag) Without(fields ...string) Bag {
	drop := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		drop[f] = struct{}{}
	}
	out := make(map[string]Value, len(b.values))
	for k, v := range b.values {
		if _, ok := drop[k]; !ok {
			out[k] = v
		}
	}
	return Bag{values: out}
}

// MarshalJSON writes the bag as an object with keys in ascending order.
func (b Bag) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(b.values))
	for k, v := range b.values {
		m[k] = v.Interface()
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a flat object of scalars and string lists.
func (b *Bag) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	builder := NewBuilder()
	for k, item := range raw {
		if item == nil {
			continue
		}
		v, ok := FromInterface(item)
		if !ok {
			return fmt.Errorf("attribute %q: unsupported value %v", k, item)
		}
		builder.Set(k, v)
	}
	*b = builder.Build()
	return nil
}

// Builder assembles a Bag. A Builder may be reused; every Build returns an
// independent bag.
type Builder struct {
	values map[string]Value
}

func NewBuilder() *Builder {
	return &Builder{values: make(map[string]Value)}
}

func (bl *Builder) Set(field string, v Value) *Builder {
	field = strings.TrimSpace(field)
	if field == "" || v.kind == KindInvalid {
		return bl
	}
	bl.values[field] = v
	return bl
}

func (bl *Builder) Number(field string, f float64) *Builder { return bl.Set(field, Number(f)) }

func (bl *Builder) Bool(field string, v bool) *Builder { return bl.Set(field, Bool(v)) }

func (bl *Builder) String(field, s string) *Builder { return bl.Set(field, String(s)) }

// Flags adds members to the flags set, lower-cased.
func (bl *Builder) Flags(names ...string) *Builder {
	members := bl.values[FlagsField].Members()
	for _, n := range names {
		members = append(members, strings.ToLower(strings.TrimSpace(n)))
	}
	return bl.Set(FlagsField, Set(members...))
}

func (bl *Builder) Build() Bag {
	out := make(map[string]Value, len(bl.values))
	for k, v := range bl.values {
		if v.kind == KindSet {
			v = Set(v.set...)
		}
		out[k] = v
	}
	return Bag{values: out}
}
