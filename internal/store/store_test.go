package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/wxtrack/wxtrack/internal/models"
)

var testStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(testStart)
	store := New(db, clock)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store, clock
}

func seedLocation(t *testing.T, store *Store, stationID string) {
	t.Helper()
	loc := models.Location{
		StationID: stationID,
		Name:      stationID + " test site",
		State:     "NY",
		Timezone:  "America/New_York",
		Lat:       40.78,
		Lon:       -73.97,
		IsActive:  true,
	}
	if err := store.UpsertLocation(loc); err != nil {
		t.Fatalf("UpsertLocation %s: %v", stationID, err)
	}
}

func TestUpsertAndGetLocation(t *testing.T) {
	store, _ := setupTestStore(t)

	loc := models.Location{
		StationID:   "KNYC",
		Name:        "NYC Central Park",
		State:       "NY",
		Timezone:    "America/New_York",
		Lat:         40.78,
		Lon:         -73.97,
		ElevationFt: sql.NullFloat64{Float64: 154, Valid: true},
		IsActive:    true,
	}
	if err := store.UpsertLocation(loc); err != nil {
		t.Fatalf("UpsertLocation: %v", err)
	}

	got, err := store.GetLocation("KNYC")
	if err != nil {
		t.Fatalf("GetLocation: %v", err)
	}
	if got == nil {
		t.Fatal("GetLocation returned nil")
	}
	if got.Name != "NYC Central Park" {
		t.Errorf("Name = %q, want 'NYC Central Park'", got.Name)
	}
	if !got.ElevationFt.Valid || got.ElevationFt.Float64 != 154 {
		t.Errorf("ElevationFt = %v, want 154", got.ElevationFt)
	}

	loc.Name = "NYC Central Park (Belvedere)"
	if err := store.UpsertLocation(loc); err != nil {
		t.Fatalf("UpsertLocation update: %v", err)
	}
	locations, err := store.GetActiveLocations()
	if err != nil {
		t.Fatalf("GetActiveLocations: %v", err)
	}
	if len(locations) != 1 {
		t.Fatalf("len(locations) = %d, want 1", len(locations))
	}
	if locations[0].Name != "NYC Central Park (Belvedere)" {
		t.Errorf("Name = %q, want updated name", locations[0].Name)
	}
}

func TestGetActiveLocations_FilterInactive(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.UpsertLocation(models.Location{StationID: "ACTIVE", IsActive: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertLocation(models.Location{StationID: "RETIRED", IsActive: false}); err != nil {
		t.Fatal(err)
	}

	locations, err := store.GetActiveLocations()
	if err != nil {
		t.Fatalf("GetActiveLocations: %v", err)
	}
	if len(locations) != 1 {
		t.Fatalf("len(locations) = %d, want 1", len(locations))
	}
	if locations[0].StationID != "ACTIVE" {
		t.Errorf("StationID = %q, want ACTIVE", locations[0].StationID)
	}
}

func TestRegisterForecastRun_Idempotent(t *testing.T) {
	store, clock := setupTestStore(t)

	issuedAt := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	first, err := store.RegisterForecastRun("NWS", issuedAt)
	if err != nil {
		t.Fatalf("RegisterForecastRun: %v", err)
	}
	if first == 0 {
		t.Fatal("run id should be set")
	}

	clock.Advance(1 * time.Hour)
	second, err := store.RegisterForecastRun("NWS", issuedAt)
	if err != nil {
		t.Fatalf("RegisterForecastRun retry: %v", err)
	}
	if second != first {
		t.Errorf("retry run id = %d, want %d (same issuance)", second, first)
	}

	runs, err := store.ListForecastRuns("NWS", issuedAt.Add(-time.Hour), issuedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListForecastRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}

	run, err := store.GetForecastRun(first)
	if err != nil {
		t.Fatalf("GetForecastRun: %v", err)
	}
	if run == nil {
		t.Fatal("GetForecastRun returned nil")
	}
	if !run.FetchedAt.Equal(clock.Now().UTC()) {
		t.Errorf("FetchedAt = %v, want %v (refreshed on retry)", run.FetchedAt, clock.Now().UTC())
	}
}

func TestRegisterForecastRun_DistinctKeys(t *testing.T) {
	store, _ := setupTestStore(t)

	issuedAt := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	nws, err := store.RegisterForecastRun("NWS", issuedAt)
	if err != nil {
		t.Fatal(err)
	}
	tom, err := store.RegisterForecastRun("TOM", issuedAt)
	if err != nil {
		t.Fatal(err)
	}
	later, err := store.RegisterForecastRun("NWS", issuedAt.Add(6*time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	if nws == tom {
		t.Error("different sources with the same issued_at should get distinct run ids")
	}
	if nws == later {
		t.Error("different issued_at for the same source should get distinct run ids")
	}
}

func TestRegisterObservationRun_Idempotent(t *testing.T) {
	store, _ := setupTestStore(t)

	issuedAt := time.Date(2024, 6, 1, 23, 55, 0, 0, time.UTC)
	first, err := store.RegisterObservationRun(issuedAt)
	if err != nil {
		t.Fatalf("RegisterObservationRun: %v", err)
	}
	second, err := store.RegisterObservationRun(issuedAt)
	if err != nil {
		t.Fatalf("RegisterObservationRun retry: %v", err)
	}
	if second != first {
		t.Errorf("retry run id = %d, want %d", second, first)
	}

	run, err := store.GetObservationRun(first)
	if err != nil {
		t.Fatalf("GetObservationRun: %v", err)
	}
	if run == nil {
		t.Fatal("GetObservationRun returned nil")
	}
	if !run.RunIssuedAt.Equal(issuedAt) {
		t.Errorf("RunIssuedAt = %v, want %v", run.RunIssuedAt, issuedAt)
	}
}

func TestUpsertForecastDaily_Converges(t *testing.T) {
	store, _ := setupTestStore(t)
	seedLocation(t, store, "KNYC")

	runID, err := store.RegisterForecastRun("NWS", time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}

	targetDate := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	fd := models.ForecastDaily{
		RunID:         runID,
		StationID:     "KNYC",
		TargetDate:    targetDate,
		HighF:         sql.NullFloat64{Float64: 75, Valid: true},
		LowF:          sql.NullFloat64{Float64: 58, Valid: true},
		LeadHoursHigh: sql.NullInt64{Int64: 30, Valid: true},
	}
	if err := store.UpsertForecastDaily(fd); err != nil {
		t.Fatalf("UpsertForecastDaily: %v", err)
	}

	fd.HighF = sql.NullFloat64{Float64: 77, Valid: true}
	if err := store.UpsertForecastDaily(fd); err != nil {
		t.Fatalf("UpsertForecastDaily re-ingest: %v", err)
	}

	rows, err := store.GetForecastDailyForRun(runID)
	if err != nil {
		t.Fatalf("GetForecastDailyForRun: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1 (upsert must not duplicate)", len(rows))
	}
	if rows[0].HighF.Float64 != 77 {
		t.Errorf("HighF = %v, want 77 (latest write wins)", rows[0].HighF)
	}
	if !rows[0].TargetDate.Equal(targetDate) {
		t.Errorf("TargetDate = %v, want %v", rows[0].TargetDate, targetDate)
	}
}

func TestUpsertObservation_RoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)
	seedLocation(t, store, "KMIA")

	runID, err := store.RegisterObservationRun(time.Date(2024, 6, 2, 23, 55, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}

	date := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	obs := models.Observation{
		RunID:        runID,
		StationID:    "KMIA",
		Date:         date,
		ObservedHigh: sql.NullFloat64{Float64: 91, Valid: true},
		ObservedLow:  sql.NullFloat64{Float64: 78, Valid: true},
		Source:       "CLI",
	}
	if err := store.UpsertObservation(obs); err != nil {
		t.Fatalf("UpsertObservation: %v", err)
	}

	got, err := store.GetObservation(runID, "KMIA", date)
	if err != nil {
		t.Fatalf("GetObservation: %v", err)
	}
	if got == nil {
		t.Fatal("GetObservation returned nil")
	}
	if got.ObservedHigh.Float64 != 91 || got.ObservedLow.Float64 != 78 {
		t.Errorf("observed = %v/%v, want 91/78", got.ObservedHigh, got.ObservedLow)
	}
	if got.FlaggedReason.Valid {
		t.Errorf("FlaggedReason = %v, want unset", got.FlaggedReason)
	}
}

func TestFlagObservation(t *testing.T) {
	tests := []struct {
		name     string
		high     sql.NullFloat64
		low      sql.NullFloat64
		wantFlag bool
	}{
		{"plausible", sql.NullFloat64{Float64: 75, Valid: true}, sql.NullFloat64{Float64: 58, Valid: true}, false},
		{"high too hot", sql.NullFloat64{Float64: 154, Valid: true}, sql.NullFloat64{Float64: 58, Valid: true}, true},
		{"low too cold", sql.NullFloat64{Float64: 10, Valid: true}, sql.NullFloat64{Float64: -95, Valid: true}, true},
		{"high below low", sql.NullFloat64{Float64: 50, Valid: true}, sql.NullFloat64{Float64: 60, Valid: true}, true},
		{"no values", sql.NullFloat64{}, sql.NullFloat64{}, true},
		{"high only", sql.NullFloat64{Float64: 75, Valid: true}, sql.NullFloat64{}, false},
		{"boundary", sql.NullFloat64{Float64: 140, Valid: true}, sql.NullFloat64{Float64: -80, Valid: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := models.Observation{ObservedHigh: tt.high, ObservedLow: tt.low}
			FlagObservation(&obs, "MAX 154 MIN 58")
			if obs.FlaggedReason.Valid != tt.wantFlag {
				t.Errorf("FlaggedReason.Valid = %v, want %v (reason %q)", obs.FlaggedReason.Valid, tt.wantFlag, obs.FlaggedReason.String)
			}
			if tt.wantFlag && !obs.FlaggedRawText.Valid {
				t.Error("flagged observation should retain its raw text")
			}
		})
	}
}

func TestDeleteForecastRun_Cascades(t *testing.T) {
	store, _ := setupTestStore(t)
	seedLocation(t, store, "KNYC")

	runID, err := store.RegisterForecastRun("NWS", time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	fd := models.ForecastDaily{
		RunID:      runID,
		StationID:  "KNYC",
		TargetDate: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
		HighF:      sql.NullFloat64{Float64: 75, Valid: true},
	}
	if err := store.UpsertForecastDaily(fd); err != nil {
		t.Fatal(err)
	}

	validTime := time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)
	if err := store.EnsurePartition(validTime); err != nil {
		t.Fatal(err)
	}
	hourly := models.ForecastHourly{
		RunID:        runID,
		StationID:    "KNYC",
		ValidTime:    validTime,
		TemperatureF: sql.NullFloat64{Float64: 71, Valid: true},
	}
	if err := store.UpsertForecastHourly(hourly); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteForecastRun(runID); err != nil {
		t.Fatalf("DeleteForecastRun: %v", err)
	}

	daily, err := store.GetForecastDailyForRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(daily) != 0 {
		t.Errorf("len(daily) = %d after run deletion, want 0", len(daily))
	}

	rows, err := store.GetHourly("KNYC", validTime.Add(-time.Hour), validTime.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("len(hourly) = %d after run deletion, want 0 (cascade covers partitions)", len(rows))
	}
}

func TestDeleteLocation_Cascades(t *testing.T) {
	store, _ := setupTestStore(t)
	seedLocation(t, store, "KPHL")

	runID, err := store.RegisterForecastRun("NWS", time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	fd := models.ForecastDaily{
		RunID:      runID,
		StationID:  "KPHL",
		TargetDate: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
		LowF:       sql.NullFloat64{Float64: 61, Valid: true},
	}
	if err := store.UpsertForecastDaily(fd); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteLocation("KPHL"); err != nil {
		t.Fatalf("DeleteLocation: %v", err)
	}

	daily, err := store.GetForecastDailyForRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(daily) != 0 {
		t.Errorf("len(daily) = %d after location deletion, want 0", len(daily))
	}

	run, err := store.GetForecastRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if run == nil {
		t.Error("run registry row should survive location deletion")
	}
}

func TestMigrationVersion(t *testing.T) {
	store, _ := setupTestStore(t)

	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version < 4 {
		t.Errorf("MigrationVersion = %d, want >= 4", version)
	}
}
