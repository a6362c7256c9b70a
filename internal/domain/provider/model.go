// Package provider ranks provider capabilities against a service request and
// guards their weekly capacity.
package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ProviderType string

const (
	TypeStaff ProviderType = "staff"
	TypeSPO   ProviderType = "spo"
	TypeSSPO  ProviderType = "sspo"
)

func (t ProviderType) Valid() bool {
	return t == TypeStaff || t == TypeSPO || t == TypeSSPO
}

// Clock is a time of day in minutes after midnight. 24:00 (EndOfDay) is a
// valid end bound.
type Clock int

const EndOfDay Clock = 24 * 60

// ParseClock reads "HH:MM".
func ParseClock(s string) (Clock, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) != 2 || len(m) != 2 {
		return 0, fmt.Errorf("clock %q: expected HH:MM", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || mm < 0 || mm > 59 || hh > 24 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("clock %q: out of range", s)
	}
	return Clock(hh*60 + mm), nil
}

// ClockOf returns the wall-clock time of t in its own location.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ProviderCapability is one service a provider offers, with its capacity and
// performance record.
type ProviderCapability struct {
	ID                      uuid.UUID    `json:"id"`
	ProviderID              uuid.UUID    `json:"provider_id" validate:"required"`
	ProviderName            string       `json:"provider_name"`
	ProviderType            ProviderType `json:"provider_type" validate:"required,oneof=staff spo sspo"`
	ServiceTypeID           string       `json:"service_type_id" validate:"required"`
	ServiceCategory         string       `json:"service_category"`
	IsActive                bool         `json:"is_active"`
	MaxWeeklyHours          float64      `json:"max_weekly_hours" validate:"gte=0"`
	CurrentUtilizationHours float64      `json:"current_utilization_hours" validate:"gte=0"`
	QualityScore            float64      `json:"quality_score" validate:"gte=0,lte=100"`
	AcceptanceRate          float64      `json:"acceptance_rate" validate:"gte=0,lte=1"`
	CompletionRate          float64      `json:"completion_rate" validate:"gte=0,lte=1"`
	HourlyRate              *float64     `json:"hourly_rate,omitempty"`
	EffectiveDate           time.Time    `json:"effective_date"`
	ExpiryDate              *time.Time   `json:"expiry_date,omitempty"`
	EarliestStart           Clock        `json:"earliest_start"`
	LatestEnd               Clock        `json:"latest_end"`
	AvailableDays           []string     `json:"available_days"`
	ServiceAreas            []string     `json:"service_areas"`
	Regions                 []string     `json:"regions"`
	MinNoticeHours          int          `json:"min_notice_hours" validate:"gte=0"`
	SpecialCapabilities     []string     `json:"special_capabilities"`
	Languages               []string     `json:"languages"`
	UpdatedAt               time.Time    `json:"updated_at"`
}

// Headroom is the number of hours still available this week.
func (c ProviderCapability) Headroom() float64 {
	return roundHours(c.MaxWeeklyHours - c.CurrentUtilizationHours)
}

// windowEnd treats a 00:00 end as end of day, so "00:00"-"00:00" is all day.
func (c ProviderCapability) windowEnd() Clock {
	if c.LatestEnd == 0 {
		return EndOfDay
	}
	return c.LatestEnd
}

// ServiceRequest is one visit pattern a coordinator needs staffed.
type ServiceRequest struct {
	ID                   uuid.UUID `json:"id"`
	PatientID            uuid.UUID `json:"patient_id" validate:"required"`
	ServiceTypeID        string    `json:"service_type_id" validate:"required"`
	ServiceCategory      string    `json:"service_category"`
	RequestedStart       time.Time `json:"requested_start" validate:"required"`
	DurationMinutes      int       `json:"duration_minutes" validate:"gt=0"`
	EstimatedHours       float64   `json:"estimated_hours" validate:"gte=0"`
	PostalCode           string    `json:"postal_code"`
	Region               string    `json:"region"`
	RequiredCapabilities []string  `json:"required_capabilities"`
	Language             string    `json:"language"`
}

// Hours is the weekly load the request adds. Without an estimate it is one
// visit's duration.
func (r ServiceRequest) Hours() float64 {
	if r.EstimatedHours > 0 {
		return r.EstimatedHours
	}
	return float64(r.DurationMinutes) / 60
}

// ExcludeReason names the hard filter a capability failed.
type ExcludeReason string

const (
	ExcludeInactive             ExcludeReason = "inactive"
	ExcludeServiceTypeMismatch  ExcludeReason = "service_type_mismatch"
	ExcludeNotEffective         ExcludeReason = "not_effective"
	ExcludeOutsideTimeWindow    ExcludeReason = "outside_time_window"
	ExcludeUnavailableDay       ExcludeReason = "unavailable_day"
	ExcludeGeographyNotCovered  ExcludeReason = "geography_not_covered"
	ExcludeInsufficientCapacity ExcludeReason = "insufficient_capacity"
	ExcludeInsufficientNotice   ExcludeReason = "insufficient_notice"
)

const (
	WarnHighUtilization   = "high_utilization"
	WarnRateAboveP90      = "rate_above_p90"
	WarnMissingCapability = "missing_capability"
)

// Factors are the normalized 0-100 inputs to the score.
type Factors struct {
	Quality    float64 `json:"quality"`
	Acceptance float64 `json:"acceptance"`
	Completion float64 `json:"completion"`
	Headroom   float64 `json:"headroom"`
	Rate       float64 `json:"rate"`
}

// MatchResult is one capability scored, or excluded, for one request.
type MatchResult struct {
	CapabilityID        uuid.UUID       `json:"capability_id"`
	ProviderID          uuid.UUID       `json:"provider_id"`
	ProviderName        string          `json:"provider_name"`
	ProviderType        ProviderType    `json:"provider_type"`
	Score               float64         `json:"score"`
	Factors             Factors         `json:"factors"`
	Bonus               float64         `json:"bonus"`
	HeadroomHours       float64         `json:"headroom_hours"`
	MatchedCapabilities []string        `json:"matched_capabilities,omitempty"`
	Warnings            []string        `json:"warnings,omitempty"`
	ExcludeReasons      []ExcludeReason `json:"exclude_reasons,omitempty"`
}

func (m MatchResult) CandidateID() uuid.UUID  { return m.CapabilityID }
func (m MatchResult) CandidateScore() float64 { return m.Score }
func (m MatchResult) Recommendable() bool     { return len(m.ExcludeReasons) == 0 }

// Matches splits candidates into the ranked set, best first, and the excluded
// set with reasons.
type Matches struct {
	Ranked   []MatchResult `json:"ranked"`
	Excluded []MatchResult `json:"excluded"`
}

func (m *Matches) NoMatch() bool { return len(m.Ranked) == 0 }

func (m *Matches) All() []MatchResult {
	out := make([]MatchResult, 0, len(m.Ranked)+len(m.Excluded))
	out = append(out, m.Ranked...)
	return append(out, m.Excluded...)
}
