package integration

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/domain/provider"
	"github.com/carelink/carelink/internal/domain/recommendation"
	"github.com/carelink/carelink/internal/platform/stream"
)

// Monday 2026-03-02 08:00 UTC; requests below are on the Wednesday after.
var matchNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newCapability(name string, quality float64) *provider.ProviderCapability {
	rate := 42.0
	return &provider.ProviderCapability{
		ProviderID:              uuid.New(),
		ProviderName:            name,
		ProviderType:            provider.TypeSPO,
		ServiceTypeID:           "PSW",
		ServiceCategory:         "personal_support",
		IsActive:                true,
		MaxWeeklyHours:          40,
		CurrentUtilizationHours: 10,
		QualityScore:            quality,
		AcceptanceRate:          0.9,
		CompletionRate:          0.95,
		HourlyRate:              &rate,
		EffectiveDate:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EarliestStart:           8 * 60,
		LatestEnd:               20 * 60,
		AvailableDays:           []string{"mon", "tue", "wed", "thu", "fri"},
		ServiceAreas:            []string{"K1A"},
		Regions:                 []string{"ottawa"},
		MinNoticeHours:          24,
		SpecialCapabilities:     []string{"dementia_care"},
		Languages:               []string{"en", "fr"},
	}
}

func newProviderService(t *testing.T, ledger provider.Ledger) (*provider.Service, *recommendation.Logger) {
	t.Helper()
	pool := requireDB(t)
	if ledger == nil {
		ledger = provider.NewPGLedger(pool)
	}
	m, err := provider.NewMatcher(provider.DefaultWeights(), 0)
	if err != nil {
		t.Fatal(err)
	}
	m.Now = func() time.Time { return matchNow }
	logger := recommendation.NewLogger(recommendation.NewRepoPG(pool), nil, testLogger())
	return provider.NewService(provider.NewRepoPG(pool), m, ledger, logger, testLogger()), logger
}

func TestProvider_MatchAndCommit(t *testing.T) {
	svc, logger := newProviderService(t, nil)
	ctx := context.Background()

	best := newCapability("Best Care", 95)
	other := newCapability("Other Care", 70)
	faraway := newCapability("Far Away", 99)
	faraway.ServiceAreas = []string{"M5V"}
	faraway.Regions = []string{"toronto"}
	for _, c := range []*provider.ProviderCapability{best, other, faraway} {
		if err := svc.UpsertCapability(ctx, c); err != nil {
			t.Fatalf("upsert %s: %v", c.ProviderName, err)
		}
	}

	rec, err := svc.FindMatches(ctx, provider.ServiceRequest{
		PatientID:            uuid.New(),
		ServiceTypeID:        "PSW",
		RequestedStart:       time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		DurationMinutes:      60,
		EstimatedHours:       5,
		PostalCode:           "K1A 0B1",
		Region:               "ottawa",
		RequiredCapabilities: []string{"dementia_care"},
		Language:             "fr",
	}, "sched-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Ranked) != 2 || rec.Ranked[0].CapabilityID != best.ID {
		t.Fatalf("expected Best Care first of two, got %+v", rec.Ranked)
	}
	if len(rec.Excluded) != 1 || rec.Excluded[0].CapabilityID != faraway.ID {
		t.Fatalf("expected Far Away excluded, got %+v", rec.Excluded)
	}

	asg, err := svc.CommitAssignment(ctx, provider.AssignmentRequest{
		CapabilityID: best.ID, Hours: 5, LogID: &rec.LogID, DecidedBy: "sched-1",
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if asg.Reservation.Utilization != 15 {
		t.Errorf("expected 15 hours used, got %v", asg.Reservation.Utilization)
	}
	stored, err := svc.GetCapability(ctx, best.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CurrentUtilizationHours != 15 {
		t.Errorf("expected the store to hold 15 hours, got %v", stored.CurrentUtilizationHours)
	}

	log, err := logger.Get(ctx, rec.LogID)
	if err != nil {
		t.Fatal(err)
	}
	if log.Kind != recommendation.KindProvider || len(log.Entries) != 3 || log.Outcome == nil {
		t.Errorf("unexpected provider log: %+v", log)
	}
}

func TestProvider_UpsertKeepsUtilization(t *testing.T) {
	svc, _ := newProviderService(t, nil)
	ctx := context.Background()
	c := newCapability("Steady Care", 80)
	if err := svc.UpsertCapability(ctx, c); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CommitAssignment(ctx, provider.AssignmentRequest{CapabilityID: c.ID, Hours: 4}); err != nil {
		t.Fatal(err)
	}

	c.QualityScore = 85
	c.CurrentUtilizationHours = 0
	if err := svc.UpsertCapability(ctx, c); err != nil {
		t.Fatal(err)
	}
	if c.CurrentUtilizationHours != 14 || c.QualityScore != 85 {
		t.Errorf("profile update must not reset the ledger: %+v", c)
	}
}

// raceLedger reserves 3 hours from many goroutines against 30 hours of
// headroom: exactly ten must win and the rest see a capacity error.
func TestProvider_OneCapabilityPerProviderAndService(t *testing.T) {
	svc, _ := newProviderService(t, nil)
	repo := provider.NewRepoPG(globalDB.Pool)
	ctx := context.Background()

	first := newCapability("Pair Care", 80)
	if err := svc.UpsertCapability(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := newCapability("Pair Care Again", 80)
	second.ProviderID = first.ProviderID
	if err := svc.UpsertCapability(ctx, second); !errors.Is(err, provider.ErrDuplicatePair) {
		t.Fatalf("expected ErrDuplicatePair from the service, got %v", err)
	}

	// The table constraint holds even without the service check.
	second.ID = uuid.Nil
	if err := repo.Upsert(ctx, second); !errors.Is(err, provider.ErrDuplicatePair) {
		t.Fatalf("expected ErrDuplicatePair from the store, got %v", err)
	}
}

func TestPGLedger_FractionalExactFit(t *testing.T) {
	svc, _ := newProviderService(t, nil)
	ledger := provider.NewPGLedger(globalDB.Pool)
	ctx := context.Background()

	c := newCapability("Fractional Care", 80)
	c.MaxWeeklyHours = 0.3
	c.CurrentUtilizationHours = 0.1
	if err := svc.UpsertCapability(ctx, c); err != nil {
		t.Fatal(err)
	}
	res, err := ledger.Reserve(ctx, c.ID, 0.2)
	if err != nil {
		t.Fatalf("exact fit refused: %v", err)
	}
	if res.Utilization != 0.3 {
		t.Errorf("expected 0.3 used, got %v", res.Utilization)
	}
	if _, err := ledger.Reserve(ctx, c.ID, 0.000001); !errors.Is(err, provider.ErrCapacityExhausted) {
		t.Errorf("expected a full capability, got %v", err)
	}
}

func raceLedger(t *testing.T, ledger provider.Ledger, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	const workers = 25

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.Reserve(ctx, id, 3)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		var capErr *provider.CapacityError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &capErr):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 10 {
		t.Errorf("expected 10 reservations, got %d", wins)
	}
	if _, err := ledger.Reserve(ctx, id, 0.5); !errors.Is(err, provider.ErrCapacityExhausted) {
		t.Errorf("expected the ledger to be full, got %v", err)
	}
	if err := ledger.Release(ctx, id, 100); err != nil {
		t.Fatal(err)
	}
	res, err := ledger.Reserve(ctx, id, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Utilization != 1 {
		t.Errorf("expected release to floor at zero, got %v after reserving 1", res.Utilization)
	}
}

func TestPGLedger_ConcurrentReservations(t *testing.T) {
	pool := requireDB(t)
	svc, _ := newProviderService(t, nil)
	c := newCapability("Race Care", 80)
	if err := svc.UpsertCapability(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	raceLedger(t, provider.NewPGLedger(pool), c.ID)

	if _, err := provider.NewPGLedger(pool).Reserve(context.Background(), uuid.New(), 1); !errors.Is(err, provider.ErrNotFound) {
		t.Errorf("expected ErrNotFound for an unknown capability, got %v", err)
	}
}

func TestRedisLedger_ConcurrentReservations(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("set TEST_REDIS_URL to run the redis ledger test")
	}
	ctx := context.Background()
	client, err := stream.NewClient(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	c := newCapability("Redis Care", 80)
	c.ID = uuid.New()
	ledger := provider.NewRedisLedger(client, 50)
	if err := ledger.Seed(ctx, []provider.ProviderCapability{*c}); err != nil {
		t.Fatal(err)
	}
	defer client.Del(ctx, "carelink:capacity:"+c.ID.String())

	raceLedger(t, ledger, c.ID)
}
