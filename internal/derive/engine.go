// Package derive computes the derived tables (forecast_errors and
// forecast_revisions) from the raw ingested facts. Every write is an
// idempotent keyed upsert, so passes are safe to re-run, safe to cancel
// mid-way, and safe to race with ingestion: a partially-ingested run simply
// gets picked up again on the next pass.
package derive

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/wxtrack/wxtrack/internal/metrics"
	"github.com/wxtrack/wxtrack/internal/models"
	"github.com/wxtrack/wxtrack/internal/store"
)

type Engine struct {
	store *store.Store
	log   *zap.SugaredLogger
}

func NewEngine(s *store.Store, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{store: s, log: log}
}

// ComputeErrors scores one forecast run against one observation run: for
// every (station, date) present on both sides it writes absolute errors for
// high and low plus their mean. A missing component yields a null for that
// component only; a pairing with neither component is skipped entirely rather
// than stored as an all-null row. Returns the number of rows written.
func (e *Engine) ComputeErrors(forecastRunID, observationRunID int64) (int, error) {
	facts, err := e.store.GetScorableFacts(forecastRunID, observationRunID)
	if err != nil {
		return 0, fmt.Errorf("scorable facts for runs %d/%d: %w", forecastRunID, observationRunID, err)
	}

	written := 0
	for _, f := range facts {
		fe := models.ForecastError{
			ForecastRunID:    forecastRunID,
			ObservationRunID: observationRunID,
			StationID:        f.StationID,
			TargetDate:       f.TargetDate,
		}

		var sum float64
		var n int
		if f.HighF.Valid && f.ObservedHigh.Valid {
			ae := math.Abs(f.HighF.Float64 - f.ObservedHigh.Float64)
			fe.AEHigh = sql.NullFloat64{Float64: ae, Valid: true}
			sum += ae
			n++
		}
		if f.LowF.Valid && f.ObservedLow.Valid {
			ae := math.Abs(f.LowF.Float64 - f.ObservedLow.Float64)
			fe.AELow = sql.NullFloat64{Float64: ae, Valid: true}
			sum += ae
			n++
		}
		if n == 0 {
			continue
		}
		fe.MAE = sum / float64(n)

		if err := e.store.UpsertForecastError(fe); err != nil {
			return written, err
		}
		metrics.ErrorsComputed.Inc()
		written++
	}
	return written, nil
}

// ComputeRevision records one issuance in the revision chain for a
// (station, source, kind, target_date) coordinate. The predecessor is always
// looked up by issued_at order at computation time, so a late-arriving
// issuance slots into its correct position; the immediate successor's link is
// re-derived in the same pass so the chain stays consistent regardless of
// arrival order.
func (e *Engine) ComputeRevision(stationID, source, kind string, targetDate, issuedAt time.Time, forecastF float64) error {
	prev, err := e.store.GetRevisionBefore(stationID, source, kind, targetDate, issuedAt)
	if err != nil {
		return fmt.Errorf("lookup predecessor: %w", err)
	}

	rv := models.ForecastRevision{
		StationID:  stationID,
		Source:     source,
		Kind:       kind,
		TargetDate: targetDate,
		IssuedAt:   issuedAt,
		ForecastF:  forecastF,
	}
	if prev != nil {
		rv.PrevIssuedAt = sql.NullTime{Time: prev.IssuedAt, Valid: true}
		rv.PrevForecastF = sql.NullFloat64{Float64: prev.ForecastF, Valid: true}
		rv.DeltaF = sql.NullFloat64{Float64: forecastF - prev.ForecastF, Valid: true}
	}
	if err := e.store.UpsertRevision(rv); err != nil {
		return err
	}
	metrics.RevisionsComputed.Inc()

	next, err := e.store.GetRevisionAfter(stationID, source, kind, targetDate, issuedAt)
	if err != nil {
		return fmt.Errorf("lookup successor: %w", err)
	}
	if next != nil {
		next.PrevIssuedAt = sql.NullTime{Time: issuedAt, Valid: true}
		next.PrevForecastF = sql.NullFloat64{Float64: forecastF, Valid: true}
		next.DeltaF = sql.NullFloat64{Float64: next.ForecastF - forecastF, Valid: true}
		if err := e.store.UpsertRevision(*next); err != nil {
			return fmt.Errorf("relink successor: %w", err)
		}
	}
	return nil
}

// ComputePending runs one full derive pass: revision rows for every forecast
// value that lacks one, then error rows for every unscored run pair. Failures
// on one item are logged and skipped so the rest of the batch proceeds; the
// skipped items are retried on the next pass.
func (e *Engine) ComputePending(ctx context.Context) error {
	for _, kind := range []string{models.KindHigh, models.KindLow} {
		facts, err := e.store.ListPendingRevisionFacts(kind)
		if err != nil {
			return fmt.Errorf("list pending %s revisions: %w", kind, err)
		}
		for _, f := range facts {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.ComputeRevision(f.StationID, f.Source, f.Kind, f.TargetDate, f.IssuedAt, f.ForecastF); err != nil {
				e.log.Warnw("revision skipped", "station", f.StationID, "source", f.Source, "kind", f.Kind, "target_date", f.TargetDate.Format("2006-01-02"), "error", err)
				metrics.SkippedItems.WithLabelValues("derive").Inc()
			}
		}
	}

	pairs, err := e.store.ListUnscoredRunPairs()
	if err != nil {
		return fmt.Errorf("list unscored run pairs: %w", err)
	}
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.ComputeErrors(p.ForecastRunID, p.ObservationRunID); err != nil {
			e.log.Warnw("error scoring skipped", "forecast_run", p.ForecastRunID, "observation_run", p.ObservationRunID, "error", err)
			metrics.SkippedItems.WithLabelValues("derive").Inc()
		}
	}
	return nil
}
