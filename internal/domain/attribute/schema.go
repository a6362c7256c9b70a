package attribute

import (
	"fmt"
	"sort"
	"strings"
)

// Canonical field names produced from an assessment.
const (
	FieldMAPLeScore        = "maple_score"
	FieldADLHierarchy      = "adl_hierarchy"
	FieldADLSum            = "adl_sum"
	FieldIADLSum           = "iadl_sum"
	FieldCPSScore          = "cps_score"
	FieldCHESSScore        = "chess_score"
	FieldDRSScore          = "drs_score"
	FieldPainScale         = "pain_scale"
	FieldAge               = "age"
	FieldRUGGroup          = "rug_group"
	FieldRUGCategory       = "rug_category"
	FieldLivesAlone        = "lives_alone"
	FieldCaregiverDistress = "caregiver_distress"
	FieldPrimaryLanguage   = "primary_language"
)

// Schema is the set of attribute fields rules may reference.
type Schema struct {
	fields map[string]Kind
}

// DefaultSchema covers the RUG/InterRAI fields the matching core consumes.
func DefaultSchema() Schema {
	return Schema{fields: map[string]Kind{
		FieldMAPLeScore:        KindNumber,
		FieldADLHierarchy:      KindNumber,
		FieldADLSum:            KindNumber,
		FieldIADLSum:           KindNumber,
		FieldCPSScore:          KindNumber,
		FieldCHESSScore:        KindNumber,
		FieldDRSScore:          KindNumber,
		FieldPainScale:         KindNumber,
		FieldAge:               KindNumber,
		FieldRUGGroup:          KindString,
		FieldRUGCategory:       KindString,
		FlagsField:             KindSet,
		FieldLivesAlone:        KindBool,
		FieldCaregiverDistress: KindBool,
		FieldPrimaryLanguage:   KindString,
	}}
}

// With returns a copy of the schema that also knows field.
func (s Schema) With(field string, kind Kind) Schema {
	out := make(map[string]Kind, len(s.fields)+1)
	for k, v := range s.fields {
		out[k] = v
	}
	out[field] = kind
	return Schema{fields: out}
}

// WithSpec extends the schema from "name:kind" entries, as found in
// configuration.
func (s Schema) WithSpec(entries []string) (Schema, error) {
	out := s
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		parts := strings.SplitN(e, ":", 2)
		if len(parts) != 2 {
			return Schema{}, fmt.Errorf("attribute field %q: expected name:kind", e)
		}
		kind, ok := ParseKind(parts[1])
		if !ok {
			return Schema{}, fmt.Errorf("attribute field %q: unknown kind %q", parts[0], parts[1])
		}
		out = out.With(strings.TrimSpace(parts[0]), kind)
	}
	return out, nil
}

// Kind returns the declared kind of field.
func (s Schema) Kind(field string) (Kind, bool) {
	k, ok := s.fields[field]
	return k, ok
}

func (s Schema) Has(field string) bool {
	_, ok := s.fields[field]
	return ok
}

// IsZero reports whether the schema declares no fields. A zero schema
// disables field checks during validation.
func (s Schema) IsZero() bool { return len(s.fields) == 0 }

func (s Schema) Fields() []string {
	out := make([]string, 0, len(s.fields))
	for k := range s.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
