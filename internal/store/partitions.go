package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wxtrack/wxtrack/internal/metrics"
	"github.com/wxtrack/wxtrack/internal/models"
)

// Hourly forecast detail is range-partitioned by month: each month is a real
// table named forecast_extras_hourly_YYYY_MM, tracked in the
// hourly_partitions registry as a sorted set of non-overlapping ranges.
// Writers route rows to the covering partition; expiry drops whole
// partitions. Row-level deletion is deliberately not a supported bulk-expiry
// path.

const hourlyTable = "forecast_extras_hourly"

// ErrNoPartition is returned when an hourly write targets a month whose
// partition has not been created. The write is rejected, never silently
// stored elsewhere; run partition maintenance and retry.
var ErrNoPartition = errors.New("no partition covers valid_time")

// ErrPartitionOverlap means the registry already holds a partition whose
// range overlaps the one being created under a different name. This cannot
// happen under correct monthly tiling, so it is a fatal configuration error
// and aborts the maintenance pass.
var ErrPartitionOverlap = errors.New("partition range overlaps an existing partition")

type Partition struct {
	Name     string
	StartsAt time.Time
	EndsAt   time.Time
}

// PartitionName returns the partition table name covering t.
func PartitionName(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%s_%04d_%02d", hourlyTable, u.Year(), int(u.Month()))
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EnsurePartition creates the partition covering [monthStart, monthStart+1mo)
// together with its two supporting indexes. Safe to call repeatedly and
// concurrently: everything is create-if-absent, and the registry insert
// ignores conflicts on the same name.
func (s *Store) EnsurePartition(month time.Time) error {
	start := monthStart(month)
	end := start.AddDate(0, 1, 0)
	name := PartitionName(start)

	var overlapping string
	err := s.db.QueryRow(`
		SELECT partition_name FROM hourly_partitions
		WHERE starts_at < ? AND ends_at > ? AND partition_name != ?
	`, end, start, name).Scan(&overlapping)
	if err == nil {
		return fmt.Errorf("create %s: %w (existing %s)", name, ErrPartitionOverlap, overlapping)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check partition overlap for %s: %w", name, err)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			run_id INTEGER NOT NULL REFERENCES forecast_runs(run_id) ON DELETE CASCADE,
			station_id TEXT NOT NULL REFERENCES locations(station_id) ON DELETE CASCADE,
			valid_time DATETIME NOT NULL,
			temperature_f REAL,
			dewpoint_f REAL,
			humidity_pct REAL,
			wind_speed_mph REAL,
			wind_dir_deg REAL,
			cloud_cover_pct REAL,
			precip_prob_pct REAL,
			PRIMARY KEY (run_id, station_id, valid_time)
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_station_time ON %[1]s(station_id, valid_time);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_run ON %[1]s(run_id);
	`, name)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO hourly_partitions (partition_name, starts_at, ends_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(partition_name) DO NOTHING
	`, name, start, end, s.now()); err != nil {
		return fmt.Errorf("register partition %s: %w", name, err)
	}
	return nil
}

// MaintainPartitions ensures partitions across a rolling horizon around now:
// trailing months behind it and leading months ahead, so writers never block
// on a missing partition. Any failure aborts the pass.
func (s *Store) MaintainPartitions(now time.Time, trailing, leading int) error {
	base := monthStart(now)
	for offset := -trailing; offset <= leading; offset++ {
		if err := s.EnsurePartition(base.AddDate(0, offset, 0)); err != nil {
			return err
		}
	}
	return nil
}

// ListPartitions returns the registry ordered by range start.
func (s *Store) ListPartitions() ([]Partition, error) {
	rows, err := s.db.Query(`
		SELECT partition_name, starts_at, ends_at FROM hourly_partitions ORDER BY starts_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partitions []Partition
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.Name, &p.StartsAt, &p.EndsAt); err != nil {
			return nil, err
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

// DropPartitionsBefore retires every partition whose range ends at or before
// cutoff, dropping the whole table. Returns the number of partitions dropped.
func (s *Store) DropPartitionsBefore(cutoff time.Time) (int, error) {
	partitions, err := s.ListPartitions()
	if err != nil {
		return 0, fmt.Errorf("list partitions: %w", err)
	}

	dropped := 0
	for _, p := range partitions {
		if p.EndsAt.After(cutoff.UTC()) {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return dropped, fmt.Errorf("begin drop of %s: %w", p.Name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", p.Name)); err != nil {
			tx.Rollback()
			return dropped, fmt.Errorf("drop partition %s: %w", p.Name, err)
		}
		if _, err := tx.Exec("DELETE FROM hourly_partitions WHERE partition_name = ?", p.Name); err != nil {
			tx.Rollback()
			return dropped, fmt.Errorf("unregister partition %s: %w", p.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return dropped, fmt.Errorf("commit drop of %s: %w", p.Name, err)
		}
		dropped++
	}
	return dropped, nil
}

func (s *Store) partitionExists(name string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM hourly_partitions WHERE partition_name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpsertForecastHourly routes one hourly detail row to the partition covering
// its valid_time. Writes to a month with no partition are rejected with
// ErrNoPartition rather than landing in a default table.
func (s *Store) UpsertForecastHourly(h models.ForecastHourly) error {
	name := PartitionName(h.ValidTime)
	ok, err := s.partitionExists(name)
	if err != nil {
		return fmt.Errorf("check partition %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%s for %s: %w", name, h.ValidTime.UTC().Format(time.RFC3339), ErrNoPartition)
	}

	_, err = s.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (run_id, station_id, valid_time, temperature_f, dewpoint_f, humidity_pct, wind_speed_mph, wind_dir_deg, cloud_cover_pct, precip_prob_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, station_id, valid_time) DO UPDATE SET
			temperature_f = excluded.temperature_f,
			dewpoint_f = excluded.dewpoint_f,
			humidity_pct = excluded.humidity_pct,
			wind_speed_mph = excluded.wind_speed_mph,
			wind_dir_deg = excluded.wind_dir_deg,
			cloud_cover_pct = excluded.cloud_cover_pct,
			precip_prob_pct = excluded.precip_prob_pct
	`, name), h.RunID, h.StationID, h.ValidTime.UTC(), h.TemperatureF, h.DewpointF, h.HumidityPct, h.WindSpeedMph, h.WindDirDeg, h.CloudCoverPct, h.PrecipProbPct)
	if err != nil {
		return fmt.Errorf("upsert hourly into %s: %w", name, err)
	}
	metrics.FactsUpserted.WithLabelValues(hourlyTable).Inc()
	return nil
}

// GetHourly reads hourly rows for a station across [start, end), spanning as
// many partitions as the range touches. Partitions are pure storage
// subdivisions; callers never see them.
func (s *Store) GetHourly(stationID string, start, end time.Time) ([]models.ForecastHourly, error) {
	partitions, err := s.ListPartitions()
	if err != nil {
		return nil, err
	}

	start = start.UTC()
	end = end.UTC()

	var out []models.ForecastHourly
	for _, p := range partitions {
		if !p.StartsAt.Before(end) || !p.EndsAt.After(start) {
			continue
		}
		rows, err := s.db.Query(fmt.Sprintf(`
			SELECT run_id, station_id, valid_time, temperature_f, dewpoint_f, humidity_pct, wind_speed_mph, wind_dir_deg, cloud_cover_pct, precip_prob_pct
			FROM %s
			WHERE station_id = ? AND valid_time >= ? AND valid_time < ?
			ORDER BY valid_time, run_id
		`, p.Name), stationID, start, end)
		if err != nil {
			return nil, fmt.Errorf("query partition %s: %w", p.Name, err)
		}
		for rows.Next() {
			var h models.ForecastHourly
			if err := rows.Scan(&h.RunID, &h.StationID, &h.ValidTime, &h.TemperatureF, &h.DewpointF, &h.HumidityPct, &h.WindSpeedMph, &h.WindDirDeg, &h.CloudCoverPct, &h.PrecipProbPct); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, h)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}
