package bundle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/domain/attribute"
	"github.com/carelink/carelink/internal/domain/rules"
)

func ptr(f float64) *float64 { return &f }

func template(code string, weight float64, rs ...EligibilityRule) BundleTemplate {
	return BundleTemplate{
		ID:               uuid.NewSHA1(uuid.NameSpaceOID, []byte(code)),
		Code:             code,
		Version:          1,
		Name:             code,
		IsActive:         true,
		IsCurrentVersion: true,
		PriorityWeight:   weight,
		Rules:            rs,
	}
}

func required(name string, c rules.Condition) EligibilityRule {
	return EligibilityRule{ID: uuid.New(), Name: name, Condition: c, Priority: 1, IsRequired: true, IsActive: true}
}

func optional(name string, priority int, c rules.Condition) EligibilityRule {
	return EligibilityRule{ID: uuid.New(), Name: name, Condition: c, Priority: priority, IsActive: true}
}

func scenarioBag() attribute.Bag {
	return attribute.NewBuilder().Number("maple_score", 4).Number("adl_hierarchy", 3).Flags().Build()
}

func rank(t *testing.T, m *Matcher, bag attribute.Bag, ts ...BundleTemplate) *Ranking {
	t.Helper()
	r, err := m.Rank(context.Background(), bag, ts)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	return r
}

func TestRank_ScenarioA(t *testing.T) {
	tmpl := template("A", 100,
		required("maple", rules.Leaf("maple_score", rules.OpGTE, rules.Num(4))),
		required("adl", rules.Leaf("adl_hierarchy", rules.OpGTE, rules.Num(3))),
	)
	r := rank(t, NewMatcher(nil, 0), scenarioBag(), tmpl)
	if len(r.Ranked) != 1 {
		t.Fatalf("expected one ranked template, got %d", len(r.Ranked))
	}
	got := r.Ranked[0]
	if got.Score != 100 || !got.RequiredSatisfied {
		t.Errorf("expected score 100 with required satisfied, got %v %v", got.Score, got.RequiredSatisfied)
	}
	if len(got.Rules) != 2 || len(got.Rules[0].Trace) != 1 {
		t.Errorf("expected per-rule traces, got %+v", got.Rules)
	}
}

func TestRank_ScenarioB_AbsentExcludedFlag(t *testing.T) {
	tmpl := template("B", 100,
		required("maple", rules.Leaf("maple_score", rules.OpGTE, rules.Num(4))),
		required("adl", rules.Leaf("adl_hierarchy", rules.OpGTE, rules.Num(3))),
	)
	tmpl.ExcludedFlags = []string{"dementia"}
	r := rank(t, NewMatcher(nil, 0), scenarioBag(), tmpl)
	if r.NoMatch() {
		t.Fatal("template should remain eligible")
	}
	if r.Ranked[0].ExcludedTriggered {
		t.Error("excluded flag should not be triggered")
	}
}

func TestRank_ScenarioD_TieBreakOnPriorityWeight(t *testing.T) {
	// 4 of 5 optional weight passes -> 80 at weight 100.
	heavy := template("HEAVY", 100,
		optional("pass", 4, rules.Leaf("maple_score", rules.OpGTE, rules.Num(1))),
		optional("fail", 1, rules.Leaf("maple_score", rules.OpGTE, rules.Num(9))),
	)
	// 8 of 9 passes -> 88.89 raw, x0.9 -> 80.
	light := template("LIGHT", 90,
		optional("pass", 8, rules.Leaf("maple_score", rules.OpGTE, rules.Num(1))),
		optional("fail", 1, rules.Leaf("maple_score", rules.OpGTE, rules.Num(9))),
	)
	r := rank(t, NewMatcher(nil, 0), scenarioBag(), light, heavy)
	if len(r.Ranked) != 2 {
		t.Fatalf("expected two ranked, got %d", len(r.Ranked))
	}
	if r.Ranked[0].Score != 80 || r.Ranked[1].Score != 80 {
		t.Fatalf("expected a tie at 80, got %v and %v", r.Ranked[0].Score, r.Ranked[1].Score)
	}
	if r.Ranked[0].Code != "HEAVY" {
		t.Errorf("expected the 100-weight template first, got %s", r.Ranked[0].Code)
	}
}

func TestRank_Gates(t *testing.T) {
	bag := attribute.NewBuilder().
		Number("maple_score", 4).
		Number("adl_sum", 12).
		Flags("dementia").
		Build()

	tests := []struct {
		name   string
		mutate func(*BundleTemplate)
		reason RejectReason
	}{
		{"excluded flag vetoes", func(t *BundleTemplate) { t.ExcludedFlags = []string{"Dementia"} }, RejectExcludedFlag},
		{"required flag missing", func(t *BundleTemplate) { t.RequiredFlags = []string{"palliative"} }, RejectRequiredFlagMissing},
		{"adl above max", func(t *BundleTemplate) { t.MaxADLSum = ptr(10) }, RejectADLOutOfRange},
		{"adl below min", func(t *BundleTemplate) { t.MinADLSum = ptr(20) }, RejectADLOutOfRange},
		{"iadl missing fails closed", func(t *BundleTemplate) { t.MinIADLSum = ptr(0) }, RejectIADLOutOfRange},
		{"excluded beats required", func(t *BundleTemplate) {
			t.ExcludedFlags = []string{"dementia"}
			t.RequiredFlags = []string{"palliative"}
		}, RejectExcludedFlag},
		{"within bounds", func(t *BundleTemplate) { t.MinADLSum, t.MaxADLSum = ptr(12), ptr(12) }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := template("G", 100, optional("maple", 1, rules.Leaf("maple_score", rules.OpGTE, rules.Num(4))))
			tt.mutate(&tmpl)
			r := rank(t, NewMatcher(nil, 0), bag, tmpl)
			res := r.All()[0]
			if res.RejectReason != tt.reason {
				t.Errorf("expected reject reason %q, got %q", tt.reason, res.RejectReason)
			}
			if tt.reason != "" && (res.Score != 0 || len(r.Ranked) != 0) {
				t.Errorf("rejected template must score 0 and stay out of the ranking")
			}
			if len(res.Rules) != 1 {
				t.Errorf("expected the rule trace to be kept, got %d rules", len(res.Rules))
			}
		})
	}
}

func TestRank_ExcludedFlagVetoIgnoresScore(t *testing.T) {
	bag := attribute.NewBuilder().Number("maple_score", 5).Flags("palliative").Build()
	perfect := template("PERFECT", 200, required("maple", rules.Leaf("maple_score", rules.OpGTE, rules.Num(1))))
	perfect.ExcludedFlags = []string{"palliative"}
	r := rank(t, NewMatcher(nil, 0), bag, perfect)
	if !r.NoMatch() {
		t.Fatal("an excluded flag must veto regardless of score")
	}
	if !r.Rejected[0].ExcludedTriggered || !reflect.DeepEqual(r.Rejected[0].TriggeredFlags, []string{"palliative"}) {
		t.Errorf("unexpected rejection detail: %+v", r.Rejected[0])
	}
}

func TestRank_RequiredRuleGates(t *testing.T) {
	tmpl := template("R", 100,
		required("maple", rules.Leaf("maple_score", rules.OpGTE, rules.Num(5))),
		optional("adl", 3, rules.Leaf("adl_hierarchy", rules.OpGTE, rules.Num(1))),
	)
	r := rank(t, NewMatcher(nil, 0), scenarioBag(), tmpl)
	if !r.NoMatch() {
		t.Fatal("expected no match")
	}
	res := r.Rejected[0]
	if res.RequiredSatisfied || res.RejectReason != RejectRequiredRuleFailed {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.OptionalScore != 100 {
		t.Errorf("optional score is still reported, got %v", res.OptionalScore)
	}
}

func TestRank_MissingFieldFailsRequiredRule(t *testing.T) {
	tmpl := template("M", 100, required("chess", rules.Leaf("chess_score", rules.OpLTE, rules.Num(5))))
	r := rank(t, NewMatcher(nil, 0), scenarioBag(), tmpl)
	if !r.NoMatch() {
		t.Fatal("a rule on a missing field must not pass")
	}
	if r.Rejected[0].Rules[0].Trace[0].Reason != rules.ReasonMissingField {
		t.Errorf("expected missing_field in trace, got %+v", r.Rejected[0].Rules[0].Trace)
	}
}

func TestRank_OptionalScoring(t *testing.T) {
	tests := []struct {
		name   string
		weight float64
		rules  []EligibilityRule
		want   float64
	}{
		{"no optional rules", 100, nil, 100},
		{"weighted by priority", 100, []EligibilityRule{
			optional("a", 3, rules.Leaf("maple_score", rules.OpGTE, rules.Num(1))),
			optional("b", 1, rules.Leaf("maple_score", rules.OpGTE, rules.Num(9))),
		}, 75},
		{"priority zero counts as one", 100, []EligibilityRule{
			optional("a", 0, rules.Leaf("maple_score", rules.OpGTE, rules.Num(1))),
			optional("b", 0, rules.Leaf("maple_score", rules.OpGTE, rules.Num(9))),
		}, 50},
		{"default weight", 0, []EligibilityRule{
			optional("a", 1, rules.Leaf("maple_score", rules.OpGTE, rules.Num(1))),
		}, 100},
		{"weight scales", 50, nil, 50},
		{"clamped", 150, nil, 100},
		{"rounded", 100, []EligibilityRule{
			optional("a", 1, rules.Leaf("maple_score", rules.OpGTE, rules.Num(1))),
			optional("b", 1, rules.Leaf("maple_score", rules.OpGTE, rules.Num(9))),
			optional("c", 1, rules.Leaf("maple_score", rules.OpGTE, rules.Num(9))),
		}, 33.33},
		{"inactive rule ignored", 100, []EligibilityRule{
			optional("a", 1, rules.Leaf("maple_score", rules.OpGTE, rules.Num(1))),
			{ID: uuid.New(), Name: "off", Condition: rules.Leaf("maple_score", rules.OpGTE, rules.Num(9)), Priority: 1},
		}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rank(t, NewMatcher(nil, 0), scenarioBag(), template("S", tt.weight, tt.rules...))
			if r.NoMatch() {
				t.Fatal("expected a ranked template")
			}
			if got := r.Ranked[0].Score; got != tt.want {
				t.Errorf("expected score %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRank_FaultRejectsOnlyThatTemplate(t *testing.T) {
	bad := template("BAD", 100, optional("broken", 1, rules.Leaf("maple_score", rules.Operator("~"), rules.Num(1))))
	good := template("GOOD", 100, optional("ok", 1, rules.Leaf("maple_score", rules.OpGTE, rules.Num(1))))
	r := rank(t, NewMatcher(nil, 0), scenarioBag(), bad, good)
	if len(r.Ranked) != 1 || r.Ranked[0].Code != "GOOD" {
		t.Fatalf("expected only GOOD ranked, got %+v", r.Ranked)
	}
	res := r.Rejected[0]
	if !res.Faulted || res.RejectReason != RejectEvaluationFault || res.Rules[0].Fault == "" {
		t.Errorf("expected a recorded fault, got %+v", res)
	}
}

func TestRank_SkipsInactiveAndSuperseded(t *testing.T) {
	inactive := template("OFF", 100)
	inactive.IsActive = false
	old := template("OLD", 100)
	old.IsCurrentVersion = false
	r := rank(t, NewMatcher(nil, 0), scenarioBag(), inactive, old, template("ON", 100))
	if len(r.All()) != 1 || r.Ranked[0].Code != "ON" {
		t.Errorf("expected only the active current template, got %+v", r.All())
	}
}

func TestRank_EmptyGroupRulePasses(t *testing.T) {
	r := rank(t, NewMatcher(nil, 0), scenarioBag(), template("E", 100, required("vacuous", rules.All())))
	if r.NoMatch() {
		t.Error("an empty group should pass")
	}
}

func TestRank_RulesEvaluatedByPriority(t *testing.T) {
	always := rules.Leaf("maple_score", rules.OpGTE, rules.Num(1))
	tmpl := template("P", 100,
		optional("low", 1, always),
		optional("high", 5, always),
		required("gate", always),
		optional("mid", 3, always),
		optional("high-second", 5, always),
	)
	r := rank(t, NewMatcher(nil, 0), scenarioBag(), tmpl)
	var got []string
	for _, out := range r.Ranked[0].Rules {
		got = append(got, out.Name)
	}
	want := []string{"high", "high-second", "mid", "low", "gate"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected evaluation order %v, got %v", want, got)
	}
	if tmpl.Rules[0].Name != "low" {
		t.Error("ordering must not reorder the template's own rules")
	}
}

func catalogOf(n int) []BundleTemplate {
	out := make([]BundleTemplate, n)
	for i := range out {
		out[i] = template(fmt.Sprintf("T%03d", i), float64(50+i%4*25),
			optional("maple", 1+i%3, rules.Leaf("maple_score", rules.OpGTE, rules.Num(float64(i%6)))),
			optional("adl", 1, rules.Leaf("adl_hierarchy", rules.OpLTE, rules.Num(float64(i%5)))),
		)
		if i%7 == 0 {
			out[i].ExcludedFlags = []string{"wound_care"}
		}
		if i%11 == 0 {
			out[i].Rules = append(out[i].Rules, required("cps", rules.Leaf("cps_score", rules.OpGTE, rules.Num(1))))
		}
	}
	return out
}

func TestRank_DeterministicAcrossOrderAndParallelism(t *testing.T) {
	bag := attribute.NewBuilder().Number("maple_score", 3).Number("adl_hierarchy", 2).Number("cps_score", 2).Flags("wound_care").Build()
	templates := catalogOf(150)

	sequential := rank(t, NewMatcher(nil, 1000), bag, templates...)
	parallel := rank(t, NewMatcher(nil, 8), bag, templates...)
	if !reflect.DeepEqual(sequential, parallel) {
		t.Fatal("parallel ranking differs from sequential ranking")
	}

	shuffled := append([]BundleTemplate(nil), templates...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	again := rank(t, NewMatcher(nil, 8), bag, shuffled...)
	if !reflect.DeepEqual(sequential, again) {
		t.Fatal("ranking depends on input order")
	}

	for i := 1; i < len(sequential.Ranked); i++ {
		if sequential.Ranked[i-1].Score < sequential.Ranked[i].Score {
			t.Fatalf("ranking not sorted by score at %d", i)
		}
	}
}

func TestRank_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, threshold := range []int{1000, 1} {
		_, err := NewMatcher(nil, threshold).Rank(ctx, scenarioBag(), catalogOf(10))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("threshold %d: expected context.Canceled, got %v", threshold, err)
		}
	}
}

func TestRank_DepthCeilingFaults(t *testing.T) {
	deep := rules.Leaf("maple_score", rules.OpGTE, rules.Num(1))
	for i := 0; i < 4; i++ {
		deep = rules.All(deep)
	}
	r := rank(t, NewMatcher(rules.NewEvaluator(3), 0), scenarioBag(), template("DEEP", 100, optional("deep", 1, deep)))
	if !r.NoMatch() || r.Rejected[0].RejectReason != RejectEvaluationFault {
		t.Errorf("expected the over-deep tree to fault, got %+v", r.All())
	}
}
