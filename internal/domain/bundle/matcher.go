package bundle

import (
	"bytes"
	"context"
	"math"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carelink/carelink/internal/domain/attribute"
	"github.com/carelink/carelink/internal/domain/rules"
	"github.com/carelink/carelink/internal/platform/metrics"
)

// DefaultParallelThreshold is the template count from which Rank fans out.
const DefaultParallelThreshold = 64

// Matcher ranks bundle templates against an attribute bag. It keeps no state
// between calls and may be shared by concurrent requests.
type Matcher struct {
	evaluator         *rules.Evaluator
	parallelThreshold int
}

func NewMatcher(ev *rules.Evaluator, parallelThreshold int) *Matcher {
	if ev == nil {
		ev = rules.NewEvaluator(rules.DefaultMaxDepth)
	}
	if parallelThreshold <= 0 {
		parallelThreshold = DefaultParallelThreshold
	}
	return &Matcher{evaluator: ev, parallelThreshold: parallelThreshold}
}

// Rank evaluates every active, current template and returns the ranked and
// rejected sets. A faulting template is rejected without aborting the batch.
// The only error is the context's.
func (m *Matcher) Rank(ctx context.Context, bag attribute.Bag, templates []BundleTemplate) (*Ranking, error) {
	defer metrics.ObserveRank("template", time.Now())

	var eligible []BundleTemplate
	for _, t := range templates {
		if t.Eligible() {
			eligible = append(eligible, t)
		}
	}

	results := make([]MatchResult, len(eligible))
	if len(eligible) < m.parallelThreshold {
		for i, t := range eligible {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			results[i] = m.match(t, bag)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i, t := range eligible {
			i, t := i, t
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = m.match(t, bag)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ranking := &Ranking{Ranked: []MatchResult{}, Rejected: []MatchResult{}}
	for _, r := range results {
		outcome := string(r.RejectReason)
		if r.Recommendable() {
			ranking.Ranked = append(ranking.Ranked, r)
			outcome = "ranked"
		} else {
			ranking.Rejected = append(ranking.Rejected, r)
		}
		metrics.CandidateOutcomes.WithLabelValues("template", outcome).Inc()
	}
	sort.Slice(ranking.Ranked, func(i, j int) bool {
		a, b := ranking.Ranked[i], ranking.Ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.PriorityWeight != b.PriorityWeight {
			return a.PriorityWeight > b.PriorityWeight
		}
		return bytes.Compare(a.TemplateID[:], b.TemplateID[:]) < 0
	})
	sort.Slice(ranking.Rejected, func(i, j int) bool {
		return bytes.Compare(ranking.Rejected[i].TemplateID[:], ranking.Rejected[j].TemplateID[:]) < 0
	})
	if ranking.NoMatch() {
		metrics.NoMatch.WithLabelValues("template").Inc()
	}
	return ranking, nil
}

func (m *Matcher) match(t BundleTemplate, bag attribute.Bag) MatchResult {
	res := MatchResult{
		TemplateID:        t.ID,
		Code:              t.Code,
		Version:           t.Version,
		Name:              t.Name,
		PriorityWeight:    t.EffectiveWeight(),
		AutoRecommend:     t.AutoRecommend,
		RequiredSatisfied: true,
		Rules:             []RuleOutcome{},
	}
	reject := func(reason RejectReason) {
		if res.RejectReason == "" {
			res.RejectReason = reason
		}
	}

	for _, f := range t.ExcludedFlags {
		if bag.HasFlag(f) {
			res.TriggeredFlags = append(res.TriggeredFlags, f)
		}
	}
	if len(res.TriggeredFlags) > 0 {
		res.ExcludedTriggered = true
		reject(RejectExcludedFlag)
	}
	for _, f := range t.RequiredFlags {
		if !bag.HasFlag(f) {
			res.MissingFlags = append(res.MissingFlags, f)
		}
	}
	if len(res.MissingFlags) > 0 {
		reject(RejectRequiredFlagMissing)
	}
	if !inBounds(bag, attribute.FieldADLSum, t.MinADLSum, t.MaxADLSum) {
		reject(RejectADLOutOfRange)
	}
	if !inBounds(bag, attribute.FieldIADLSum, t.MinIADLSum, t.MaxIADLSum) {
		reject(RejectIADLOutOfRange)
	}

	// Rules are evaluated even for gated templates so the audit trace is complete.
	var passedWeight, totalWeight float64
	for _, rule := range evaluationOrder(t.Rules) {
		if !rule.IsActive {
			continue
		}
		out := RuleOutcome{RuleID: rule.ID, Name: rule.Name, Required: rule.IsRequired, Weight: rule.Weight()}
		passed, trace, err := m.evaluator.Evaluate(rule.Condition, bag)
		out.Trace = trace
		if err != nil {
			out.Fault = err.Error()
			res.Faulted = true
			metrics.EvaluationFaults.Inc()
		} else {
			out.Passed = passed
		}
		res.Rules = append(res.Rules, out)

		if rule.IsRequired {
			if !out.Passed {
				res.RequiredSatisfied = false
			}
			continue
		}
		totalWeight += out.Weight
		if out.Passed {
			passedWeight += out.Weight
		}
	}
	if res.Faulted {
		reject(RejectEvaluationFault)
	}
	if !res.RequiredSatisfied {
		reject(RejectRequiredRuleFailed)
	}

	res.OptionalScore = 100
	if totalWeight > 0 {
		res.OptionalScore = round2(100 * passedWeight / totalWeight)
	}
	if res.RejectReason != "" {
		return res
	}
	res.Score = round2(clamp(100*passedWeightRatio(passedWeight, totalWeight)*res.PriorityWeight/100, 0, 100))
	return res
}

// evaluationOrder puts higher priorities first; equal priorities keep their
// authored position.
func evaluationOrder(rs []EligibilityRule) []EligibilityRule {
	out := append([]EligibilityRule(nil), rs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func passedWeightRatio(passed, total float64) float64 {
	if total == 0 {
		return 1
	}
	return passed / total
}

// inBounds fails closed: a bound on a field the bag lacks is a violation.
func inBounds(bag attribute.Bag, field string, min, max *float64) bool {
	if min == nil && max == nil {
		return true
	}
	v, ok := bag.Get(field)
	if !ok {
		return false
	}
	n, ok := v.NumericLike()
	if !ok {
		return false
	}
	if min != nil && n < *min {
		return false
	}
	if max != nil && n > *max {
		return false
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
