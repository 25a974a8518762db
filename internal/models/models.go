package models

import (
	"database/sql"
	"time"
)

// Kind selects which forecast extreme a revision or stat row refers to.
const (
	KindHigh = "high"
	KindLow  = "low"
	KindBoth = "both" // dashboard_stats only
)

type Location struct {
	StationID   string
	Name        string
	State       string
	Timezone    string
	Lat         float64
	Lon         float64
	ElevationFt sql.NullFloat64
	IsActive    bool
}

// ForecastRun is one forecast issuance from one source. (source, issued_at)
// is the natural key; RunID is the surrogate assigned on first registration.
type ForecastRun struct {
	RunID     int64
	Source    string
	IssuedAt  time.Time
	FetchedAt time.Time
}

// ObservationRun is one observation ingestion event. Observations carry their
// own per-row source, so the registry keys on issuance time alone.
type ObservationRun struct {
	RunID       int64
	RunIssuedAt time.Time
	FetchedAt   time.Time
}

type ForecastDaily struct {
	RunID         int64
	StationID     string
	TargetDate    time.Time
	HighF         sql.NullFloat64
	LowF          sql.NullFloat64
	LeadHoursHigh sql.NullInt64
	LeadHoursLow  sql.NullInt64
	CreatedAt     time.Time
}

type ForecastHourly struct {
	RunID         int64
	StationID     string
	ValidTime     time.Time
	TemperatureF  sql.NullFloat64
	DewpointF     sql.NullFloat64
	HumidityPct   sql.NullFloat64
	WindSpeedMph  sql.NullFloat64
	WindDirDeg    sql.NullFloat64
	CloudCoverPct sql.NullFloat64
	PrecipProbPct sql.NullFloat64
}

// Observation is verified ground truth for a station/date. Anomalous values
// are stored anyway, annotated with the raw text and a reason.
type Observation struct {
	RunID          int64
	StationID      string
	Date           time.Time
	ObservedHigh   sql.NullFloat64
	ObservedLow    sql.NullFloat64
	Source         string
	FlaggedRawText sql.NullString
	FlaggedReason  sql.NullString
}

// ForecastError is derived per forecast-run x observation-run x station x
// date. A component is null when either side of it was missing.
type ForecastError struct {
	ForecastRunID    int64
	ObservationRunID int64
	StationID        string
	TargetDate       time.Time
	AEHigh           sql.NullFloat64
	AELow            sql.NullFloat64
	MAE              float64
	CreatedAt        time.Time
}

// ForecastRevision is one link in the issuance chain for a
// (station, source, kind, target_date) coordinate. Prev fields are null for
// the first issuance of a coordinate.
type ForecastRevision struct {
	StationID     string
	Source        string
	Kind          string
	TargetDate    time.Time
	IssuedAt      time.Time
	ForecastF     float64
	PrevIssuedAt  sql.NullTime
	PrevForecastF sql.NullFloat64
	DeltaF        sql.NullFloat64
	CreatedAt     time.Time
}

// DashboardStats is the current rolling-window snapshot for a key,
// overwritten in place on every recomputation.
type DashboardStats struct {
	StationID   string
	Source      string
	Kind        string
	WindowDays  int
	N           int
	Bias        sql.NullFloat64
	MAE         sql.NullFloat64
	RMSE        sql.NullFloat64
	P10         sql.NullFloat64
	P50         sql.NullFloat64
	P90         sql.NullFloat64
	LastUpdated time.Time
}
