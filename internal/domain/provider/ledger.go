package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/metrics"
)

// ErrCapacityExhausted is returned when a reservation would push utilization
// past the weekly maximum. The caller may retry with another candidate.
var ErrCapacityExhausted = errors.New("capacity exhausted")

// CapacityError reports a refused reservation.
type CapacityError struct {
	CapabilityID uuid.UUID
	Requested    float64
	Available    float64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capability %s: requested %.2fh, %.2fh available", e.CapabilityID, e.Requested, e.Available)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExhausted }

// Reservation is the state of a capability right after a successful change.
type Reservation struct {
	CapabilityID uuid.UUID `json:"capability_id"`
	Hours        float64   `json:"hours"`
	Utilization  float64   `json:"current_utilization_hours"`
	Max          float64   `json:"max_weekly_hours"`
}

// Ledger owns current utilization. Reserve is an atomic compare-and-add:
// concurrent callers can never push a capability past its maximum.
type Ledger interface {
	Reserve(ctx context.Context, capabilityID uuid.UUID, hours float64) (Reservation, error)
	// Release gives hours back, never going below zero.
	Release(ctx context.Context, capabilityID uuid.UUID, hours float64) error
}

// Seeder is implemented by ledgers that keep counters outside the capability
// store. Seed registers capabilities not yet known and refreshes their maxima;
// existing counters are left alone.
type Seeder interface {
	Seed(ctx context.Context, caps []ProviderCapability) error
}

// Snapshotter reports the ledger's view of utilization so rankings use it
// instead of the stored column.
type Snapshotter interface {
	Utilization(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]float64, error)
}

// hoursScale is the resolution hours are kept at: a millionth of an hour.
const hoursScale = 1e6

// roundHours drops float noise below hoursScale, so 0.1+0.2 is 0.3.
func roundHours(h float64) float64 {
	return math.Round(h*hoursScale) / hoursScale
}

// fits reports whether adding hours to current stays within max. Every
// ledger and the matcher decide capacity with it.
func fits(current, hours, max float64) bool {
	return roundHours(current+hours) <= max
}

func checkHours(hours float64) error {
	if hours <= 0 {
		return fmt.Errorf("%w: hours must be positive", ErrInvalidRequest)
	}
	return nil
}

type counter struct {
	max     float64
	current float64
}

// MemoryLedger keeps counters in process. It serves development and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	counters map[uuid.UUID]*counter
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{counters: make(map[uuid.UUID]*counter)}
}

func (l *MemoryLedger) Seed(_ context.Context, caps []ProviderCapability) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range caps {
		if cur, ok := l.counters[c.ID]; ok {
			cur.max = c.MaxWeeklyHours
			continue
		}
		l.counters[c.ID] = &counter{max: c.MaxWeeklyHours, current: c.CurrentUtilizationHours}
	}
	return nil
}

func (l *MemoryLedger) Utilization(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[uuid.UUID]float64, len(ids))
	for _, id := range ids {
		if c, ok := l.counters[id]; ok {
			out[id] = c.current
		}
	}
	return out, nil
}

func (l *MemoryLedger) Reserve(_ context.Context, id uuid.UUID, hours float64) (Reservation, error) {
	if err := checkHours(hours); err != nil {
		return Reservation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	if !fits(c.current, hours, c.max) {
		metrics.CapacityConflicts.WithLabelValues("memory").Inc()
		return Reservation{}, &CapacityError{CapabilityID: id, Requested: hours, Available: roundHours(c.max - c.current)}
	}
	c.current = roundHours(c.current + hours)
	return Reservation{CapabilityID: id, Hours: hours, Utilization: c.current, Max: c.max}, nil
}

func (l *MemoryLedger) Release(_ context.Context, id uuid.UUID, hours float64) error {
	if err := checkHours(hours); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[id]
	if !ok {
		return ErrNotFound
	}
	c.current = math.Max(0, roundHours(c.current-hours))
	return nil
}
