package attribute

// Assessment is the subset of an InterRAI home-care assessment and its RUG
// classification that the matching core reads. Nil pointers mean the item was
// not scored and are left out of the bag, so rules on them fail closed.
type Assessment struct {
	MAPLeScore        *float64           `json:"maple_score,omitempty" yaml:"maple_score"`
	ADLHierarchy      *float64           `json:"adl_hierarchy,omitempty" yaml:"adl_hierarchy"`
	ADLSum            *float64           `json:"adl_sum,omitempty" yaml:"adl_sum"`
	IADLSum           *float64           `json:"iadl_sum,omitempty" yaml:"iadl_sum"`
	CPSScore          *float64           `json:"cps_score,omitempty" yaml:"cps_score"`
	CHESSScore        *float64           `json:"chess_score,omitempty" yaml:"chess_score"`
	DRSScore          *float64           `json:"drs_score,omitempty" yaml:"drs_score"`
	PainScale         *float64           `json:"pain_scale,omitempty" yaml:"pain_scale"`
	Age               *float64           `json:"age,omitempty" yaml:"age"`
	RUGGroup          string             `json:"rug_group,omitempty" yaml:"rug_group"`
	RUGCategory       string             `json:"rug_category,omitempty" yaml:"rug_category"`
	PrimaryLanguage   string             `json:"primary_language,omitempty" yaml:"primary_language"`
	LivesAlone        *bool              `json:"lives_alone,omitempty" yaml:"lives_alone"`
	CaregiverDistress *bool              `json:"caregiver_distress,omitempty" yaml:"caregiver_distress"`
	Flags             []string           `json:"flags,omitempty" yaml:"flags"`
	Numbers           map[string]float64 `json:"numbers,omitempty" yaml:"numbers"`
	Indicators        map[string]bool    `json:"indicators,omitempty" yaml:"indicators"`
	Codes             map[string]string  `json:"codes,omitempty" yaml:"codes"`
}

// FromAssessment builds the bag for one evaluation. Canonical fields win over
// same-named entries in the free-form maps.
func FromAssessment(a Assessment) Bag {
	b := NewBuilder()
	for k, v := range a.Numbers {
		b.Number(k, v)
	}
	for k, v := range a.Indicators {
		b.Bool(k, v)
	}
	for k, v := range a.Codes {
		b.String(k, v)
	}

	numbers := []struct {
		field string
		v     *float64
	}{
		{FieldMAPLeScore, a.MAPLeScore},
		{FieldADLHierarchy, a.ADLHierarchy},
		{FieldADLSum, a.ADLSum},
		{FieldIADLSum, a.IADLSum},
		{FieldCPSScore, a.CPSScore},
		{FieldCHESSScore, a.CHESSScore},
		{FieldDRSScore, a.DRSScore},
		{FieldPainScale, a.PainScale},
		{FieldAge, a.Age},
	}
	for _, n := range numbers {
		if n.v != nil {
			b.Number(n.field, *n.v)
		}
	}
	if a.RUGGroup != "" {
		b.String(FieldRUGGroup, a.RUGGroup)
	}
	if a.RUGCategory != "" {
		b.String(FieldRUGCategory, a.RUGCategory)
	}
	if a.PrimaryLanguage != "" {
		b.String(FieldPrimaryLanguage, a.PrimaryLanguage)
	}
	if a.LivesAlone != nil {
		b.Bool(FieldLivesAlone, *a.LivesAlone)
	}
	if a.CaregiverDistress != nil {
		b.Bool(FieldCaregiverDistress, *a.CaregiverDistress)
	}
	// Always present so "contains" rules see an empty set rather than a
	// missing field when the assessment raised no flags.
	b.Flags(a.Flags...)
	return b.Build()
}
