package store

import (
	"database/sql"
	"fmt"
	"log"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Reference data and run registries",
		SQL: `
CREATE TABLE IF NOT EXISTS locations (
    station_id TEXT PRIMARY KEY,
    name TEXT,
    state TEXT,
    timezone TEXT,
    lat REAL,
    lon REAL,
    elevation_ft REAL,
    is_active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS forecast_runs (
    run_id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    issued_at DATETIME NOT NULL,
    fetched_at DATETIME NOT NULL,
    UNIQUE(source, issued_at)
);

CREATE TABLE IF NOT EXISTS observation_runs (
    run_id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_issued_at DATETIME NOT NULL UNIQUE,
    fetched_at DATETIME NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "Daily fact tables",
		SQL: `
CREATE TABLE IF NOT EXISTS forecasts_daily (
    run_id INTEGER NOT NULL REFERENCES forecast_runs(run_id) ON DELETE CASCADE,
    station_id TEXT NOT NULL REFERENCES locations(station_id) ON DELETE CASCADE,
    target_date DATE NOT NULL,
    high_f REAL,
    low_f REAL,
    lead_hours_high INTEGER,
    lead_hours_low INTEGER,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (run_id, station_id, target_date)
);

CREATE TABLE IF NOT EXISTS observations (
    run_id INTEGER NOT NULL REFERENCES observation_runs(run_id) ON DELETE CASCADE,
    station_id TEXT NOT NULL REFERENCES locations(station_id) ON DELETE CASCADE,
    date DATE NOT NULL,
    observed_high REAL,
    observed_low REAL,
    source TEXT NOT NULL,
    flagged_raw_text TEXT,
    flagged_reason TEXT,
    PRIMARY KEY (run_id, station_id, date)
);

CREATE INDEX IF NOT EXISTS idx_forecasts_daily_station_date ON forecasts_daily(station_id, target_date);
CREATE INDEX IF NOT EXISTS idx_observations_station_date ON observations(station_id, date);
`,
	},
	{
		Version:     3,
		Description: "Derived tables: errors, revisions, dashboard stats",
		SQL: `
CREATE TABLE IF NOT EXISTS forecast_errors (
    forecast_run_id INTEGER NOT NULL REFERENCES forecast_runs(run_id) ON DELETE CASCADE,
    observation_run_id INTEGER NOT NULL REFERENCES observation_runs(run_id) ON DELETE CASCADE,
    station_id TEXT NOT NULL REFERENCES locations(station_id) ON DELETE CASCADE,
    target_date DATE NOT NULL,
    ae_high REAL,
    ae_low REAL,
    mae REAL NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (forecast_run_id, observation_run_id, station_id, target_date)
);

CREATE TABLE IF NOT EXISTS forecast_revisions (
    station_id TEXT NOT NULL REFERENCES locations(station_id) ON DELETE CASCADE,
    source TEXT NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('high','low')),
    target_date DATE NOT NULL,
    issued_at DATETIME NOT NULL,
    forecast_f REAL NOT NULL,
    prev_issued_at DATETIME,
    prev_forecast_f REAL,
    delta_f REAL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (station_id, source, kind, target_date, issued_at)
);

CREATE TABLE IF NOT EXISTS dashboard_stats (
    station_id TEXT NOT NULL REFERENCES locations(station_id) ON DELETE CASCADE,
    source TEXT NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('high','low','both')),
    window_days INTEGER NOT NULL,
    n INTEGER NOT NULL,
    bias REAL,
    mae REAL,
    rmse REAL,
    p10 REAL,
    p50 REAL,
    p90 REAL,
    last_updated DATETIME NOT NULL,
    PRIMARY KEY (station_id, source, kind, window_days)
);

CREATE INDEX IF NOT EXISTS idx_errors_station_date ON forecast_errors(station_id, target_date);
`,
	},
	{
		Version:     4,
		Description: "Partition registry for hourly forecast extras",
		SQL: `
CREATE TABLE IF NOT EXISTS hourly_partitions (
    partition_name TEXT PRIMARY KEY,
    starts_at DATETIME NOT NULL UNIQUE,
    ends_at DATETIME NOT NULL,
    created_at DATETIME NOT NULL
);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, s.now(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
