package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carelink/carelink/internal/platform/metrics"
)

// DefaultParallelThreshold is the pool size from which FindMatches fans out.
const DefaultParallelThreshold = 64

// highUtilization is the post-assignment load share that raises a warning.
const highUtilization = 0.8

var ErrInvalidRequest = errors.New("invalid service request")

// Matcher ranks capabilities for a service request. It is stateless apart
// from its configuration and may be shared.
type Matcher struct {
	weights           Weights
	parallelThreshold int

	// Now is the reference time for notice checks.
	Now func() time.Time
}

func NewMatcher(w Weights, parallelThreshold int) (*Matcher, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if parallelThreshold <= 0 {
		parallelThreshold = DefaultParallelThreshold
	}
	return &Matcher{weights: w, parallelThreshold: parallelThreshold, Now: time.Now}, nil
}

func (m *Matcher) Weights() Weights { return m.weights }

func checkRequest(req ServiceRequest) error {
	switch {
	case strings.TrimSpace(req.ServiceTypeID) == "":
		return fmt.Errorf("%w: service_type_id is required", ErrInvalidRequest)
	case req.RequestedStart.IsZero():
		return fmt.Errorf("%w: requested_start is required", ErrInvalidRequest)
	case req.DurationMinutes <= 0:
		return fmt.Errorf("%w: duration_minutes must be positive", ErrInvalidRequest)
	case req.EstimatedHours < 0:
		return fmt.Errorf("%w: estimated_hours must not be negative", ErrInvalidRequest)
	}
	return nil
}

// FindMatches applies the hard filters to every capability, scores the
// survivors and returns them best first. Excluded capabilities are returned
// with their reasons. An empty ranking is a valid result.
func (m *Matcher) FindMatches(ctx context.Context, req ServiceRequest, caps []ProviderCapability) (*Matches, error) {
	defer metrics.ObserveRank("provider", time.Now())
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	now := m.Now()
	hours := req.Hours()

	results := make([]MatchResult, len(caps))
	if err := m.each(ctx, len(caps), func(i int) {
		results[i] = filter(caps[i], req, hours, now)
	}); err != nil {
		return nil, err
	}

	// Rates are compared with the other survivors offering the same category.
	byCategory := make(map[string][]float64)
	for i, r := range results {
		if r.Recommendable() && caps[i].HourlyRate != nil {
			cat := category(caps[i], req)
			byCategory[cat] = append(byCategory[cat], *caps[i].HourlyRate)
		}
	}
	stats := make(map[string]rateStats, len(byCategory))
	for cat, rates := range byCategory {
		stats[cat] = newRateStats(rates)
	}

	if err := m.each(ctx, len(caps), func(i int) {
		if results[i].Recommendable() {
			m.score(&results[i], caps[i], req, hours, stats[category(caps[i], req)])
		}
	}); err != nil {
		return nil, err
	}

	matches := &Matches{Ranked: []MatchResult{}, Excluded: []MatchResult{}}
	for _, r := range results {
		if r.Recommendable() {
			matches.Ranked = append(matches.Ranked, r)
			metrics.CandidateOutcomes.WithLabelValues("provider", "ranked").Inc()
		} else {
			matches.Excluded = append(matches.Excluded, r)
			metrics.CandidateOutcomes.WithLabelValues("provider", string(r.ExcludeReasons[0])).Inc()
		}
	}
	sort.Slice(matches.Ranked, func(i, j int) bool {
		a, b := matches.Ranked[i], matches.Ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if c := bytes.Compare(a.ProviderID[:], b.ProviderID[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.CapabilityID[:], b.CapabilityID[:]) < 0
	})
	sort.Slice(matches.Excluded, func(i, j int) bool {
		return bytes.Compare(matches.Excluded[i].CapabilityID[:], matches.Excluded[j].CapabilityID[:]) < 0
	})
	if matches.NoMatch() {
		metrics.NoMatch.WithLabelValues("provider").Inc()
	}
	return matches, nil
}

// each runs fn for 0..n-1, in parallel for large pools. fn writes only to
// its own index.
func (m *Matcher) each(ctx context.Context, n int, fn func(i int)) error {
	if n < m.parallelThreshold {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(i)
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func filter(c ProviderCapability, req ServiceRequest, hours float64, now time.Time) MatchResult {
	res := MatchResult{
		CapabilityID:  c.ID,
		ProviderID:    c.ProviderID,
		ProviderName:  c.ProviderName,
		ProviderType:  c.ProviderType,
		HeadroomHours: c.Headroom(),
	}
	exclude := func(r ExcludeReason) { res.ExcludeReasons = append(res.ExcludeReasons, r) }

	if !c.IsActive {
		exclude(ExcludeInactive)
	}
	if c.ServiceTypeID != req.ServiceTypeID {
		exclude(ExcludeServiceTypeMismatch)
	}
	if !effectiveOn(c, req.RequestedStart) {
		exclude(ExcludeNotEffective)
	}
	start := ClockOf(req.RequestedStart)
	end := start + Clock(req.DurationMinutes)
	if start < c.EarliestStart || end > c.windowEnd() {
		exclude(ExcludeOutsideTimeWindow)
	}
	if !availableOn(c.AvailableDays, req.RequestedStart.Weekday()) {
		exclude(ExcludeUnavailableDay)
	}
	if !covers(c, req) {
		exclude(ExcludeGeographyNotCovered)
	}
	if !fits(c.CurrentUtilizationHours, hours, c.MaxWeeklyHours) {
		exclude(ExcludeInsufficientCapacity)
	}
	if req.RequestedStart.Sub(now) < time.Duration(c.MinNoticeHours)*time.Hour {
		exclude(ExcludeInsufficientNotice)
	}
	return res
}

func (m *Matcher) score(res *MatchResult, c ProviderCapability, req ServiceRequest, hours float64, stats rateStats) {
	res.Factors = Factors{
		Quality:    clamp(c.QualityScore, 0, 100),
		Acceptance: clamp(c.AcceptanceRate*100, 0, 100),
		Completion: clamp(c.CompletionRate*100, 0, 100),
		Headroom:   headroomFactor(c, hours),
		Rate:       stats.factor(c.HourlyRate),
	}

	var missing []string
	for _, want := range req.RequiredCapabilities {
		want = strings.ToLower(strings.TrimSpace(want))
		if want == "" {
			continue
		}
		if containsFold(c.SpecialCapabilities, want) {
			res.MatchedCapabilities = append(res.MatchedCapabilities, want)
		} else {
			missing = append(missing, want)
		}
	}
	if lang := strings.ToLower(strings.TrimSpace(req.Language)); lang != "" {
		if containsFold(c.Languages, lang) {
			res.MatchedCapabilities = append(res.MatchedCapabilities, "language:"+lang)
		} else {
			missing = append(missing, "language:"+lang)
		}
	}
	res.Bonus = math.Min(MaxBonus, float64(len(res.MatchedCapabilities))*m.weights.CapabilityBonus)
	res.Score = round2(clamp(m.weights.apply(res.Factors)+res.Bonus, 0, 100))

	if c.MaxWeeklyHours > 0 && (c.CurrentUtilizationHours+hours)/c.MaxWeeklyHours > highUtilization {
		res.Warnings = append(res.Warnings, WarnHighUtilization)
	}
	if c.HourlyRate != nil && stats.n > 0 && *c.HourlyRate > stats.p90 {
		res.Warnings = append(res.Warnings, WarnRateAboveP90)
	}
	for _, name := range missing {
		res.Warnings = append(res.Warnings, WarnMissingCapability+":"+name)
	}
}

// headroomFactor is the share of weekly capacity left after the request.
func headroomFactor(c ProviderCapability, hours float64) float64 {
	if c.MaxWeeklyHours <= 0 {
		return 0
	}
	return clamp(100*(c.Headroom()-hours)/c.MaxWeeklyHours, 0, 100)
}

func category(c ProviderCapability, req ServiceRequest) string {
	if c.ServiceCategory != "" {
		return strings.ToLower(c.ServiceCategory)
	}
	return strings.ToLower(req.ServiceCategory)
}

func effectiveOn(c ProviderCapability, at time.Time) bool {
	day := dateOf(at)
	if day.Before(dateOf(c.EffectiveDate)) {
		return false
	}
	return c.ExpiryDate == nil || !day.After(dateOf(*c.ExpiryDate))
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var weekdayNames = map[time.Weekday][]string{
	time.Monday:    {"mon", "monday"},
	time.Tuesday:   {"tue", "tues", "tuesday"},
	time.Wednesday: {"wed", "wednesday"},
	time.Thursday:  {"thu", "thur", "thurs", "thursday"},
	time.Friday:    {"fri", "friday"},
	time.Saturday:  {"sat", "saturday"},
	time.Sunday:    {"sun", "sunday"},
}

// availableOn requires the day to be listed; a capability with no days is
// never available.
func availableOn(days []string, wd time.Weekday) bool {
	for _, d := range days {
		for _, name := range weekdayNames[wd] {
			if strings.EqualFold(strings.TrimSpace(d), name) {
				return true
			}
		}
	}
	return false
}

// covers matches the request's postal code against service-area prefixes
// (FSA style, spaces ignored) or its region against the capability's
// regions. A capability declaring neither covers nothing.
func covers(c ProviderCapability, req ServiceRequest) bool {
	postal := normalizePostal(req.PostalCode)
	if postal != "" {
		for _, area := range c.ServiceAreas {
			if p := normalizePostal(area); p != "" && strings.HasPrefix(postal, p) {
				return true
			}
		}
	}
	if region := strings.TrimSpace(req.Region); region != "" {
		return containsFold(c.Regions, region)
	}
	return false
}

func normalizePostal(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

// rateStats summarizes the hourly rates of comparable candidates.
type rateStats struct {
	n      int
	median float64
	p90    float64
}

func newRateStats(rates []float64) rateStats {
	if len(rates) == 0 {
		return rateStats{}
	}
	sorted := append([]float64(nil), rates...)
	sort.Float64s(sorted)
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	// nearest-rank percentile
	idx := int(math.Ceil(0.9*float64(n))) - 1
	return rateStats{n: n, median: median, p90: sorted[idx]}
}

// factor is 100 at or below the median, 0 at twice the median or more and
// linear between. An unknown rate, or no market to compare with, is neutral.
func (s rateStats) factor(rate *float64) float64 {
	if rate == nil || s.n == 0 || s.median <= 0 {
		return 50
	}
	switch r := *rate; {
	case r <= s.median:
		return 100
	case r >= 2*s.median:
		return 0
	default:
		return round2(100 * (2*s.median - r) / s.median)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
