package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wxtrack/wxtrack/internal/models"
)

// dateFormat is how calendar dates (target_date, observation date) are
// persisted. Keeping them as plain YYYY-MM-DD text makes the cross-table
// equality joins between daily forecasts, observations and errors exact.
const dateFormat = "2006-01-02"

type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

func New(db *sql.DB, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: db, clock: clock}
}

// Open opens the SQLite database at path with the pragmas every writer needs:
// WAL for concurrent readers, a busy timeout so parallel ingest workers queue
// instead of failing, and enforced foreign keys so referential violations
// surface at write time.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

func formatDate(t time.Time) string { return t.UTC().Format(dateFormat) }

func parseDate(s string) (time.Time, error) {
	if len(s) > len(dateFormat) {
		s = s[:len(dateFormat)]
	}
	return time.Parse(dateFormat, s)
}

func (s *Store) UpsertLocation(loc models.Location) error {
	_, err := s.db.Exec(`
		INSERT INTO locations (station_id, name, state, timezone, lat, lon, elevation_ft, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			timezone = excluded.timezone,
			lat = excluded.lat,
			lon = excluded.lon,
			elevation_ft = excluded.elevation_ft,
			is_active = excluded.is_active
	`, loc.StationID, loc.Name, loc.State, loc.Timezone, loc.Lat, loc.Lon, loc.ElevationFt, loc.IsActive)
	return err
}

func (s *Store) GetLocation(stationID string) (*models.Location, error) {
	row := s.db.QueryRow(`
		SELECT station_id, name, state, timezone, lat, lon, elevation_ft, is_active
		FROM locations WHERE station_id = ?
	`, stationID)

	var loc models.Location
	err := row.Scan(&loc.StationID, &loc.Name, &loc.State, &loc.Timezone, &loc.Lat, &loc.Lon, &loc.ElevationFt, &loc.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

func (s *Store) GetActiveLocations() ([]models.Location, error) {
	rows, err := s.db.Query(`
		SELECT station_id, name, state, timezone, lat, lon, elevation_ft, is_active
		FROM locations WHERE is_active = TRUE ORDER BY station_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []models.Location
	for rows.Next() {
		var loc models.Location
		if err := rows.Scan(&loc.StationID, &loc.Name, &loc.State, &loc.Timezone, &loc.Lat, &loc.Lon, &loc.ElevationFt, &loc.IsActive); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// DeleteLocation removes a station and, via cascading foreign keys, every
// fact and derived row that references it, including rows in all hourly
// partitions. This is the designed bulk-deletion path for a station.
func (s *Store) DeleteLocation(stationID string) error {
	_, err := s.db.Exec(`DELETE FROM locations WHERE station_id = ?`, stationID)
	return err
}

// DeleteForecastRun purges a run and its dependent fact/derived rows.
func (s *Store) DeleteForecastRun(runID int64) error {
	_, err := s.db.Exec(`DELETE FROM forecast_runs WHERE run_id = ?`, runID)
	return err
}

func (s *Store) DeleteObservationRun(runID int64) error {
	_, err := s.db.Exec(`DELETE FROM observation_runs WHERE run_id = ?`, runID)
	return err
}
