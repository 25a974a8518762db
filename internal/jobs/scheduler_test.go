package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/wxtrack/wxtrack/internal/derive"
	"github.com/wxtrack/wxtrack/internal/models"
	"github.com/wxtrack/wxtrack/internal/stats"
	"github.com/wxtrack/wxtrack/internal/store"
)

func setupTestScheduler(t *testing.T, now time.Time) (*Scheduler, *store.Store) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(now)
	st := store.New(db, clock)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	engine := derive.NewEngine(st, nil)
	aggregator := stats.NewAggregator(st, nil)
	return NewScheduler(st, engine, aggregator, clock, nil, []int{7, 30}), st
}

func TestRunMaintenance_EnsuresHorizon(t *testing.T) {
	now := time.Date(2024, 6, 20, 8, 0, 0, 0, time.UTC)
	sched, st := setupTestScheduler(t, now)

	sched.RunMaintenance(context.Background())

	partitions, err := st.ListPartitions()
	if err != nil {
		t.Fatal(err)
	}
	want := TrailingMonths + LeadingMonths + 1
	if len(partitions) != want {
		t.Fatalf("len(partitions) = %d, want %d", len(partitions), want)
	}
	if partitions[0].Name != "forecast_extras_hourly_2024_03" {
		t.Errorf("first partition = %q, want forecast_extras_hourly_2024_03", partitions[0].Name)
	}
}

func TestRetirePartitions(t *testing.T) {
	now := time.Date(2024, 6, 20, 8, 0, 0, 0, time.UTC)
	sched, st := setupTestScheduler(t, now)

	for month := 1; month <= 6; month++ {
		if err := st.EnsurePartition(time.Date(2024, time.Month(month), 1, 0, 0, 0, 0, time.UTC)); err != nil {
			t.Fatal(err)
		}
	}

	// Cutoff lands at 2024-03-20: only January and February end before it.
	dropped, err := sched.RetirePartitions(3)
	if err != nil {
		t.Fatalf("RetirePartitions: %v", err)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}

	partitions, err := st.ListPartitions()
	if err != nil {
		t.Fatal(err)
	}
	if len(partitions) != 4 {
		t.Fatalf("len(partitions) = %d, want 4", len(partitions))
	}
	if partitions[0].Name != "forecast_extras_hourly_2024_03" {
		t.Errorf("oldest surviving partition = %q, want forecast_extras_hourly_2024_03", partitions[0].Name)
	}
}

func TestRunDeriveAndStats_EndToEnd(t *testing.T) {
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	sched, st := setupTestScheduler(t, now)

	if err := st.UpsertLocation(models.Location{StationID: "KNYC", Name: "NYC Central Park", IsActive: true}); err != nil {
		t.Fatal(err)
	}
	fRunID, err := st.RegisterForecastRun("NWS", time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	oRunID, err := st.RegisterObservationRun(time.Date(2024, 6, 2, 23, 55, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	targetDate := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	if err := st.UpsertForecastDaily(models.ForecastDaily{
		RunID:      fRunID,
		StationID:  "KNYC",
		TargetDate: targetDate,
		HighF:      sql.NullFloat64{Float64: 75, Valid: true},
		LowF:       sql.NullFloat64{Float64: 50, Valid: true},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertObservation(models.Observation{
		RunID:        oRunID,
		StationID:    "KNYC",
		Date:         targetDate,
		ObservedHigh: sql.NullFloat64{Float64: 73, Valid: true},
		ObservedLow:  sql.NullFloat64{Float64: 52, Valid: true},
		Source:       "CLI",
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	sched.RunDerive(ctx)
	sched.RunStats(ctx)

	errs, err := st.GetForecastErrors(fRunID, oRunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 {
		t.Fatalf("len(errs) = %d, want 1", len(errs))
	}

	ds, err := st.GetDashboardStats("KNYC", "NWS", models.KindBoth, 7)
	if err != nil {
		t.Fatal(err)
	}
	if ds == nil {
		t.Fatal("no dashboard snapshot after the stats pass")
	}
	if ds.N != 1 {
		t.Errorf("N = %d, want 1", ds.N)
	}
	if !ds.MAE.Valid || ds.MAE.Float64 != 2.0 {
		t.Errorf("MAE = %v, want 2.0", ds.MAE)
	}
}
