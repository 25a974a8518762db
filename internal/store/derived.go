package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/wxtrack/wxtrack/internal/models"
)

// UpsertForecastError writes one derived error row. Only the computation
// engine writes here, and only once both sides of the comparison exist.
func (s *Store) UpsertForecastError(fe models.ForecastError) error {
	_, err := s.db.Exec(`
		INSERT INTO forecast_errors (forecast_run_id, observation_run_id, station_id, target_date, ae_high, ae_low, mae, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(forecast_run_id, observation_run_id, station_id, target_date) DO UPDATE SET
			ae_high = excluded.ae_high,
			ae_low = excluded.ae_low,
			mae = excluded.mae
	`, fe.ForecastRunID, fe.ObservationRunID, fe.StationID, formatDate(fe.TargetDate), fe.AEHigh, fe.AELow, fe.MAE, s.now())
	if err != nil {
		return fmt.Errorf("upsert forecast error %s/%s: %w", fe.StationID, formatDate(fe.TargetDate), err)
	}
	return nil
}

func (s *Store) GetForecastErrors(forecastRunID, observationRunID int64) ([]models.ForecastError, error) {
	rows, err := s.db.Query(`
		SELECT forecast_run_id, observation_run_id, station_id, target_date, ae_high, ae_low, mae, created_at
		FROM forecast_errors
		WHERE forecast_run_id = ? AND observation_run_id = ?
		ORDER BY station_id, target_date
	`, forecastRunID, observationRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ForecastError
	for rows.Next() {
		var fe models.ForecastError
		var dateStr string
		if err := rows.Scan(&fe.ForecastRunID, &fe.ObservationRunID, &fe.StationID, &dateStr, &fe.AEHigh, &fe.AELow, &fe.MAE, &fe.CreatedAt); err != nil {
			return nil, err
		}
		if fe.TargetDate, err = parseDate(dateStr); err != nil {
			return nil, fmt.Errorf("parse target_date %q: %w", dateStr, err)
		}
		out = append(out, fe)
	}
	return out, rows.Err()
}

// ScorableFact is one (station, date) pairing of a daily forecast with a
// matching observation, ready for error computation.
type ScorableFact struct {
	StationID    string
	TargetDate   time.Time
	HighF        sql.NullFloat64
	LowF         sql.NullFloat64
	ObservedHigh sql.NullFloat64
	ObservedLow  sql.NullFloat64
}

// GetScorableFacts joins the daily forecasts of one run with the observations
// of another on (station, date). Stations present on only one side are left
// out; they get scored on a later pass once the other side arrives.
func (s *Store) GetScorableFacts(forecastRunID, observationRunID int64) ([]ScorableFact, error) {
	rows, err := s.db.Query(`
		SELECT fd.station_id, fd.target_date, fd.high_f, fd.low_f, o.observed_high, o.observed_low
		FROM forecasts_daily fd
		JOIN observations o ON o.station_id = fd.station_id AND o.date = fd.target_date
		WHERE fd.run_id = ? AND o.run_id = ?
		ORDER BY fd.station_id, fd.target_date
	`, forecastRunID, observationRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScorableFact
	for rows.Next() {
		var f ScorableFact
		var dateStr string
		if err := rows.Scan(&f.StationID, &dateStr, &f.HighF, &f.LowF, &f.ObservedHigh, &f.ObservedLow); err != nil {
			return nil, err
		}
		if f.TargetDate, err = parseDate(dateStr); err != nil {
			return nil, fmt.Errorf("parse target_date %q: %w", dateStr, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type RunPair struct {
	ForecastRunID    int64
	ObservationRunID int64
}

// ListUnscoredRunPairs finds every (forecast run, observation run) pair that
// shares at least one (station, date) fact with no error row yet. The scan is
// re-run on every pass, which is what makes partially-ingested runs converge.
func (s *Store) ListUnscoredRunPairs() ([]RunPair, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT fd.run_id, o.run_id
		FROM forecasts_daily fd
		JOIN observations o ON o.station_id = fd.station_id AND o.date = fd.target_date
		LEFT JOIN forecast_errors fe
			ON fe.forecast_run_id = fd.run_id
			AND fe.observation_run_id = o.run_id
			AND fe.station_id = fd.station_id
			AND fe.target_date = fd.target_date
		WHERE fe.forecast_run_id IS NULL
		ORDER BY fd.run_id, o.run_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []RunPair
	for rows.Next() {
		var p RunPair
		if err := rows.Scan(&p.ForecastRunID, &p.ObservationRunID); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// UpsertRevision writes one revision row keyed by its full primary key.
func (s *Store) UpsertRevision(rv models.ForecastRevision) error {
	_, err := s.db.Exec(`
		INSERT INTO forecast_revisions (station_id, source, kind, target_date, issued_at, forecast_f, prev_issued_at, prev_forecast_f, delta_f, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, source, kind, target_date, issued_at) DO UPDATE SET
			forecast_f = excluded.forecast_f,
			prev_issued_at = excluded.prev_issued_at,
			prev_forecast_f = excluded.prev_forecast_f,
			delta_f = excluded.delta_f
	`, rv.StationID, rv.Source, rv.Kind, formatDate(rv.TargetDate), rv.IssuedAt.UTC(), rv.ForecastF, rv.PrevIssuedAt, rv.PrevForecastF, rv.DeltaF, s.now())
	if err != nil {
		return fmt.Errorf("upsert revision %s/%s/%s/%s: %w", rv.StationID, rv.Source, rv.Kind, formatDate(rv.TargetDate), err)
	}
	return nil
}

// GetRevisionBefore returns the latest revision for the coordinate with
// issued_at strictly before the given time, or nil. The predecessor is always
// derived from this query at computation time, never from a cached pointer.
func (s *Store) GetRevisionBefore(stationID, source, kind string, targetDate, issuedAt time.Time) (*models.ForecastRevision, error) {
	row := s.db.QueryRow(`
		SELECT station_id, source, kind, target_date, issued_at, forecast_f, prev_issued_at, prev_forecast_f, delta_f, created_at
		FROM forecast_revisions
		WHERE station_id = ? AND source = ? AND kind = ? AND target_date = ? AND issued_at < ?
		ORDER BY issued_at DESC
		LIMIT 1
	`, stationID, source, kind, formatDate(targetDate), issuedAt.UTC())
	return scanRevision(row)
}

// GetRevisionAfter returns the earliest revision strictly after issued_at for
// the coordinate, or nil. Used to re-link the successor when an issuance
// arrives out of order.
func (s *Store) GetRevisionAfter(stationID, source, kind string, targetDate, issuedAt time.Time) (*models.ForecastRevision, error) {
	row := s.db.QueryRow(`
		SELECT station_id, source, kind, target_date, issued_at, forecast_f, prev_issued_at, prev_forecast_f, delta_f, created_at
		FROM forecast_revisions
		WHERE station_id = ? AND source = ? AND kind = ? AND target_date = ? AND issued_at > ?
		ORDER BY issued_at ASC
		LIMIT 1
	`, stationID, source, kind, formatDate(targetDate), issuedAt.UTC())
	return scanRevision(row)
}

func (s *Store) GetRevisionChain(stationID, source, kind string, targetDate time.Time) ([]models.ForecastRevision, error) {
	rows, err := s.db.Query(`
		SELECT station_id, source, kind, target_date, issued_at, forecast_f, prev_issued_at, prev_forecast_f, delta_f, created_at
		FROM forecast_revisions
		WHERE station_id = ? AND source = ? AND kind = ? AND target_date = ?
		ORDER BY issued_at ASC
	`, stationID, source, kind, formatDate(targetDate))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chain []models.ForecastRevision
	for rows.Next() {
		rv, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *rv)
	}
	return chain, rows.Err()
}

func scanRevision(row rowScanner) (*models.ForecastRevision, error) {
	var rv models.ForecastRevision
	var dateStr string
	err := row.Scan(&rv.StationID, &rv.Source, &rv.Kind, &dateStr, &rv.IssuedAt, &rv.ForecastF, &rv.PrevIssuedAt, &rv.PrevForecastF, &rv.DeltaF, &rv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rv.TargetDate, err = parseDate(dateStr); err != nil {
		return nil, fmt.Errorf("parse target_date %q: %w", dateStr, err)
	}
	return &rv, nil
}

// RevisionFact is a daily forecast value that still needs a revision row.
type RevisionFact struct {
	StationID  string
	Source     string
	Kind       string
	TargetDate time.Time
	IssuedAt   time.Time
	ForecastF  float64
}

// ListPendingRevisionFacts returns forecast values with no matching revision
// row for the given kind (high or low).
func (s *Store) ListPendingRevisionFacts(kind string) ([]RevisionFact, error) {
	column := "fd.high_f"
	if kind == models.KindLow {
		column = "fd.low_f"
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT fd.station_id, fr.source, fd.target_date, fr.issued_at, %s
		FROM forecasts_daily fd
		JOIN forecast_runs fr ON fr.run_id = fd.run_id
		LEFT JOIN forecast_revisions rv
			ON rv.station_id = fd.station_id
			AND rv.source = fr.source
			AND rv.kind = ?
			AND rv.target_date = fd.target_date
			AND rv.issued_at = fr.issued_at
		WHERE %s IS NOT NULL AND rv.station_id IS NULL
		ORDER BY fr.issued_at, fd.station_id, fd.target_date
	`, column, column), kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RevisionFact
	for rows.Next() {
		var f RevisionFact
		var dateStr string
		if err := rows.Scan(&f.StationID, &f.Source, &dateStr, &f.IssuedAt, &f.ForecastF); err != nil {
			return nil, err
		}
		if f.TargetDate, err = parseDate(dateStr); err != nil {
			return nil, fmt.Errorf("parse target_date %q: %w", dateStr, err)
		}
		f.Kind = kind
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertDashboardStats overwrites the current snapshot for a key in place.
func (s *Store) UpsertDashboardStats(ds models.DashboardStats) error {
	_, err := s.db.Exec(`
		INSERT INTO dashboard_stats (station_id, source, kind, window_days, n, bias, mae, rmse, p10, p50, p90, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, source, kind, window_days) DO UPDATE SET
			n = excluded.n,
			bias = excluded.bias,
			mae = excluded.mae,
			rmse = excluded.rmse,
			p10 = excluded.p10,
			p50 = excluded.p50,
			p90 = excluded.p90,
			last_updated = excluded.last_updated
	`, ds.StationID, ds.Source, ds.Kind, ds.WindowDays, ds.N, ds.Bias, ds.MAE, ds.RMSE, ds.P10, ds.P50, ds.P90, s.now())
	if err != nil {
		return fmt.Errorf("upsert dashboard stats %s/%s/%s/%d: %w", ds.StationID, ds.Source, ds.Kind, ds.WindowDays, err)
	}
	return nil
}

func (s *Store) GetDashboardStats(stationID, source, kind string, windowDays int) (*models.DashboardStats, error) {
	row := s.db.QueryRow(`
		SELECT station_id, source, kind, window_days, n, bias, mae, rmse, p10, p50, p90, last_updated
		FROM dashboard_stats
		WHERE station_id = ? AND source = ? AND kind = ? AND window_days = ?
	`, stationID, source, kind, windowDays)

	var ds models.DashboardStats
	err := row.Scan(&ds.StationID, &ds.Source, &ds.Kind, &ds.WindowDays, &ds.N, &ds.Bias, &ds.MAE, &ds.RMSE, &ds.P10, &ds.P50, &ds.P90, &ds.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// StatKey identifies one (station, source) series with scored errors.
type StatKey struct {
	StationID string
	Source    string
}

func (s *Store) ListStatKeys() ([]StatKey, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT fe.station_id, fr.source
		FROM forecast_errors fe
		JOIN forecast_runs fr ON fr.run_id = fe.forecast_run_id
		ORDER BY fe.station_id, fr.source
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []StatKey
	for rows.Next() {
		var k StatKey
		if err := rows.Scan(&k.StationID, &k.Source); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// LatestErrorDate returns the newest target_date with a scored error for the
// key. The rolling stats window trails from this date, not from wall time, so
// a quiet ingest pipeline does not silently empty every window.
func (s *Store) LatestErrorDate(stationID, source string) (time.Time, bool, error) {
	var dateStr sql.NullString
	err := s.db.QueryRow(`
		SELECT MAX(fe.target_date)
		FROM forecast_errors fe
		JOIN forecast_runs fr ON fr.run_id = fe.forecast_run_id
		WHERE fe.station_id = ? AND fr.source = ?
	`, stationID, source).Scan(&dateStr)
	if err != nil {
		return time.Time{}, false, err
	}
	if !dateStr.Valid {
		return time.Time{}, false, nil
	}
	d, err := parseDate(dateStr.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse latest error date %q: %w", dateStr.String, err)
	}
	return d, true, nil
}

// ErrorSample is one scored error with its signed components recomputed from
// the raw forecast/observation rows. forecast_errors itself only stores
// absolute error, so signed bias is re-derived through this join.
type ErrorSample struct {
	TargetDate time.Time
	AEHigh     sql.NullFloat64
	AELow      sql.NullFloat64
	MAE        float64
	SEHigh     sql.NullFloat64
	SELow      sql.NullFloat64
	Flagged    bool
}

// GetErrorSamples returns scored errors for a key within [since, until],
// joined back to the raw facts for signed error. With excludeFlagged set,
// samples verified against flagged observations are dropped.
func (s *Store) GetErrorSamples(stationID, source string, since, until time.Time, excludeFlagged bool) ([]ErrorSample, error) {
	query := `
		SELECT fe.target_date, fe.ae_high, fe.ae_low, fe.mae,
		       fd.high_f - o.observed_high,
		       fd.low_f - o.observed_low,
		       o.flagged_reason IS NOT NULL
		FROM forecast_errors fe
		JOIN forecast_runs fr ON fr.run_id = fe.forecast_run_id
		JOIN forecasts_daily fd
			ON fd.run_id = fe.forecast_run_id
			AND fd.station_id = fe.station_id
			AND fd.target_date = fe.target_date
		JOIN observations o
			ON o.run_id = fe.observation_run_id
			AND o.station_id = fe.station_id
			AND o.date = fe.target_date
		WHERE fe.station_id = ? AND fr.source = ? AND fe.target_date >= ? AND fe.target_date <= ?
	`
	if excludeFlagged {
		query += ` AND o.flagged_reason IS NULL`
	}
	query += ` ORDER BY fe.target_date, fe.forecast_run_id, fe.observation_run_id`

	rows, err := s.db.Query(query, stationID, source, formatDate(since), formatDate(until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []ErrorSample
	for rows.Next() {
		var sm ErrorSample
		var dateStr string
		if err := rows.Scan(&dateStr, &sm.AEHigh, &sm.AELow, &sm.MAE, &sm.SEHigh, &sm.SELow, &sm.Flagged); err != nil {
			return nil, err
		}
		if sm.TargetDate, err = parseDate(dateStr); err != nil {
			return nil, fmt.Errorf("parse target_date %q: %w", dateStr, err)
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}
