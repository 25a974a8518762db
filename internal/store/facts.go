package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/wxtrack/wxtrack/internal/metrics"
	"github.com/wxtrack/wxtrack/internal/models"
)

// Plausibility bounds for observed temperatures, in Fahrenheit. Values
// outside these are stored but flagged for review.
const (
	minPlausibleTempF = -80.0
	maxPlausibleTempF = 140.0
)

// UpsertForecastDaily writes one condensed daily forecast row. The write is
// keyed by the full primary key, so re-ingesting the same run converges on
// identical state instead of duplicating or drifting.
func (s *Store) UpsertForecastDaily(fd models.ForecastDaily) error {
	_, err := s.db.Exec(`
		INSERT INTO forecasts_daily (run_id, station_id, target_date, high_f, low_f, lead_hours_high, lead_hours_low, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, station_id, target_date) DO UPDATE SET
			high_f = excluded.high_f,
			low_f = excluded.low_f,
			lead_hours_high = excluded.lead_hours_high,
			lead_hours_low = excluded.lead_hours_low
	`, fd.RunID, fd.StationID, formatDate(fd.TargetDate), fd.HighF, fd.LowF, fd.LeadHoursHigh, fd.LeadHoursLow, s.now())
	if err != nil {
		return fmt.Errorf("upsert forecast daily %s/%s: %w", fd.StationID, formatDate(fd.TargetDate), err)
	}
	metrics.FactsUpserted.WithLabelValues("forecasts_daily").Inc()
	return nil
}

func (s *Store) GetForecastDaily(runID int64, stationID string, targetDate time.Time) (*models.ForecastDaily, error) {
	row := s.db.QueryRow(`
		SELECT run_id, station_id, target_date, high_f, low_f, lead_hours_high, lead_hours_low, created_at
		FROM forecasts_daily
		WHERE run_id = ? AND station_id = ? AND target_date = ?
	`, runID, stationID, formatDate(targetDate))
	return scanForecastDaily(row)
}

func (s *Store) GetForecastDailyForRun(runID int64) ([]models.ForecastDaily, error) {
	rows, err := s.db.Query(`
		SELECT run_id, station_id, target_date, high_f, low_f, lead_hours_high, lead_hours_low, created_at
		FROM forecasts_daily
		WHERE run_id = ?
		ORDER BY station_id, target_date
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ForecastDaily
	for rows.Next() {
		fd, err := scanForecastDaily(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fd)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanForecastDaily(row rowScanner) (*models.ForecastDaily, error) {
	var fd models.ForecastDaily
	var dateStr string
	err := row.Scan(&fd.RunID, &fd.StationID, &dateStr, &fd.HighF, &fd.LowF, &fd.LeadHoursHigh, &fd.LeadHoursLow, &fd.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fd.TargetDate, err = parseDate(dateStr)
	if err != nil {
		return nil, fmt.Errorf("parse target_date %q: %w", dateStr, err)
	}
	return &fd, nil
}

// UpsertObservation writes one verified daily observation. Anomalous values
// arrive pre-flagged via FlagObservation; flagging annotates, it never blocks
// the write.
func (s *Store) UpsertObservation(obs models.Observation) error {
	_, err := s.db.Exec(`
		INSERT INTO observations (run_id, station_id, date, observed_high, observed_low, source, flagged_raw_text, flagged_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, station_id, date) DO UPDATE SET
			observed_high = excluded.observed_high,
			observed_low = excluded.observed_low,
			source = excluded.source,
			flagged_raw_text = excluded.flagged_raw_text,
			flagged_reason = excluded.flagged_reason
	`, obs.RunID, obs.StationID, formatDate(obs.Date), obs.ObservedHigh, obs.ObservedLow, obs.Source, obs.FlaggedRawText, obs.FlaggedReason)
	if err != nil {
		return fmt.Errorf("upsert observation %s/%s: %w", obs.StationID, formatDate(obs.Date), err)
	}
	metrics.FactsUpserted.WithLabelValues("observations").Inc()
	return nil
}

func (s *Store) GetObservation(runID int64, stationID string, date time.Time) (*models.Observation, error) {
	row := s.db.QueryRow(`
		SELECT run_id, station_id, date, observed_high, observed_low, source, flagged_raw_text, flagged_reason
		FROM observations
		WHERE run_id = ? AND station_id = ? AND date = ?
	`, runID, stationID, formatDate(date))
	return scanObservation(row)
}

func (s *Store) GetObservationsForRun(runID int64) ([]models.Observation, error) {
	rows, err := s.db.Query(`
		SELECT run_id, station_id, date, observed_high, observed_low, source, flagged_raw_text, flagged_reason
		FROM observations
		WHERE run_id = ?
		ORDER BY station_id, date
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *obs)
	}
	return out, rows.Err()
}

func scanObservation(row rowScanner) (*models.Observation, error) {
	var obs models.Observation
	var dateStr string
	err := row.Scan(&obs.RunID, &obs.StationID, &dateStr, &obs.ObservedHigh, &obs.ObservedLow, &obs.Source, &obs.FlaggedRawText, &obs.FlaggedReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	obs.Date, err = parseDate(dateStr)
	if err != nil {
		return nil, fmt.Errorf("parse observation date %q: %w", dateStr, err)
	}
	return &obs, nil
}

// FlagObservation applies the plausibility rules to an observation before
// storage: out-of-range temperatures and a high below its low get a flag
// reason attached. rawText should be the upstream text the values were parsed
// from, so flagged rows can be reviewed later.
func FlagObservation(obs *models.Observation, rawText string) {
	var reason string
	switch {
	case obs.ObservedHigh.Valid && (obs.ObservedHigh.Float64 < minPlausibleTempF || obs.ObservedHigh.Float64 > maxPlausibleTempF):
		reason = fmt.Sprintf("observed_high %.1f outside plausible range [%.0f, %.0f]", obs.ObservedHigh.Float64, minPlausibleTempF, maxPlausibleTempF)
	case obs.ObservedLow.Valid && (obs.ObservedLow.Float64 < minPlausibleTempF || obs.ObservedLow.Float64 > maxPlausibleTempF):
		reason = fmt.Sprintf("observed_low %.1f outside plausible range [%.0f, %.0f]", obs.ObservedLow.Float64, minPlausibleTempF, maxPlausibleTempF)
	case obs.ObservedHigh.Valid && obs.ObservedLow.Valid && obs.ObservedHigh.Float64 < obs.ObservedLow.Float64:
		reason = fmt.Sprintf("observed_high %.1f below observed_low %.1f", obs.ObservedHigh.Float64, obs.ObservedLow.Float64)
	case !obs.ObservedHigh.Valid && !obs.ObservedLow.Valid:
		reason = "no parseable temperature values"
	default:
		return
	}
	obs.FlaggedReason = sql.NullString{String: reason, Valid: true}
	obs.FlaggedRawText = sql.NullString{String: rawText, Valid: true}
}
