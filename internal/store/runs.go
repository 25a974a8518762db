package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/wxtrack/wxtrack/internal/metrics"
	"github.com/wxtrack/wxtrack/internal/models"
)

// RegisterForecastRun registers one forecast issuance for a source and
// returns its surrogate run id. Registration is idempotent: a second call
// with the same (source, issued_at) converges on the existing run and only
// refreshes fetched_at. Concurrent retries of the same fetch resolve through
// the uniqueness constraint, never by erroring out.
func (s *Store) RegisterForecastRun(source string, issuedAt time.Time) (int64, error) {
	issuedAt = issuedAt.UTC()

	_, err := s.db.Exec(`
		INSERT INTO forecast_runs (source, issued_at, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source, issued_at) DO UPDATE SET
			fetched_at = excluded.fetched_at
	`, source, issuedAt, s.now())
	if err != nil {
		return 0, fmt.Errorf("register forecast run: %w", err)
	}

	// Re-read the surrogate id rather than trusting LastInsertId, which is
	// meaningless on the conflict path.
	var runID int64
	err = s.db.QueryRow(`
		SELECT run_id FROM forecast_runs WHERE source = ? AND issued_at = ?
	`, source, issuedAt).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("resolve forecast run: %w", err)
	}
	metrics.RunsRegistered.WithLabelValues("forecast").Inc()
	return runID, nil
}

// RegisterObservationRun is the observation-side registry, keyed on issuance
// time alone. Same insert-then-resolve idempotency as forecast runs.
func (s *Store) RegisterObservationRun(issuedAt time.Time) (int64, error) {
	issuedAt = issuedAt.UTC()

	_, err := s.db.Exec(`
		INSERT INTO observation_runs (run_issued_at, fetched_at)
		VALUES (?, ?)
		ON CONFLICT(run_issued_at) DO UPDATE SET
			fetched_at = excluded.fetched_at
	`, issuedAt, s.now())
	if err != nil {
		return 0, fmt.Errorf("register observation run: %w", err)
	}

	var runID int64
	err = s.db.QueryRow(`
		SELECT run_id FROM observation_runs WHERE run_issued_at = ?
	`, issuedAt).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("resolve observation run: %w", err)
	}
	metrics.RunsRegistered.WithLabelValues("observation").Inc()
	return runID, nil
}

func (s *Store) GetForecastRun(runID int64) (*models.ForecastRun, error) {
	row := s.db.QueryRow(`
		SELECT run_id, source, issued_at, fetched_at FROM forecast_runs WHERE run_id = ?
	`, runID)

	var run models.ForecastRun
	err := row.Scan(&run.RunID, &run.Source, &run.IssuedAt, &run.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Store) GetObservationRun(runID int64) (*models.ObservationRun, error) {
	row := s.db.QueryRow(`
		SELECT run_id, run_issued_at, fetched_at FROM observation_runs WHERE run_id = ?
	`, runID)

	var run models.ObservationRun
	err := row.Scan(&run.RunID, &run.RunIssuedAt, &run.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListForecastRuns returns runs for a source issued within [start, end),
// newest first.
func (s *Store) ListForecastRuns(source string, start, end time.Time) ([]models.ForecastRun, error) {
	rows, err := s.db.Query(`
		SELECT run_id, source, issued_at, fetched_at
		FROM forecast_runs
		WHERE source = ? AND issued_at >= ? AND issued_at < ?
		ORDER BY issued_at DESC
	`, source, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.ForecastRun
	for rows.Next() {
		var run models.ForecastRun
		if err := rows.Scan(&run.RunID, &run.Source, &run.IssuedAt, &run.FetchedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
