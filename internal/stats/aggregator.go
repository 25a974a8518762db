// Package stats recomputes the rolling accuracy snapshots in
// dashboard_stats. Recomputation is a full windowed pass, never incremental:
// window boundaries shift daily and percentiles do not merge, so correctness
// comes from recomputing the whole window and overwriting the snapshot.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/wxtrack/wxtrack/internal/metrics"
	"github.com/wxtrack/wxtrack/internal/models"
	"github.com/wxtrack/wxtrack/internal/store"
)

type Aggregator struct {
	store *store.Store
	log   *zap.SugaredLogger

	// ExcludeFlagged drops samples verified against flagged observations.
	// Off by default: flagging annotates data quality, it does not veto it.
	ExcludeFlagged bool
}

func NewAggregator(s *store.Store, log *zap.SugaredLogger) *Aggregator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Aggregator{store: s, log: log}
}

// ComputeStats recomputes the snapshot for one (station, source, kind,
// window) key over the trailing windowDays from the latest scored
// target_date. Absolute error feeds MAE/RMSE/percentiles; bias needs signed
// error, which forecast_errors does not store, so it is re-derived from the
// raw forecast and observation rows in the same join.
func (a *Aggregator) ComputeStats(stationID, source, kind string, windowDays int) error {
	latest, ok, err := a.store.LatestErrorDate(stationID, source)
	if err != nil {
		return fmt.Errorf("latest error date for %s/%s: %w", stationID, source, err)
	}
	if !ok {
		// Nothing scored yet; leave any prior snapshot untouched.
		return nil
	}

	since := latest.AddDate(0, 0, -(windowDays - 1))
	samples, err := a.store.GetErrorSamples(stationID, source, since, latest, a.ExcludeFlagged)
	if err != nil {
		return fmt.Errorf("error samples for %s/%s: %w", stationID, source, err)
	}

	var abs, signed []float64
	for _, sm := range samples {
		switch kind {
		case models.KindHigh:
			if sm.AEHigh.Valid {
				abs = append(abs, sm.AEHigh.Float64)
			}
			if sm.SEHigh.Valid {
				signed = append(signed, sm.SEHigh.Float64)
			}
		case models.KindLow:
			if sm.AELow.Valid {
				abs = append(abs, sm.AELow.Float64)
			}
			if sm.SELow.Valid {
				signed = append(signed, sm.SELow.Float64)
			}
		case models.KindBoth:
			abs = append(abs, sm.MAE)
			var sum float64
			var n int
			if sm.SEHigh.Valid {
				sum += sm.SEHigh.Float64
				n++
			}
			if sm.SELow.Valid {
				sum += sm.SELow.Float64
				n++
			}
			if n > 0 {
				signed = append(signed, sum/float64(n))
			}
		default:
			return fmt.Errorf("unknown stat kind %q", kind)
		}
	}

	ds := models.DashboardStats{
		StationID:  stationID,
		Source:     source,
		Kind:       kind,
		WindowDays: windowDays,
		N:          len(abs),
	}
	if len(abs) > 0 {
		sort.Float64s(abs)
		var sumAbs, sumSq float64
		for _, v := range abs {
			sumAbs += v
			sumSq += v * v
		}
		ds.MAE = sql.NullFloat64{Float64: sumAbs / float64(len(abs)), Valid: true}
		ds.RMSE = sql.NullFloat64{Float64: math.Sqrt(sumSq / float64(len(abs))), Valid: true}
		ds.P10 = sql.NullFloat64{Float64: percentile(abs, 0.10), Valid: true}
		ds.P50 = sql.NullFloat64{Float64: percentile(abs, 0.50), Valid: true}
		ds.P90 = sql.NullFloat64{Float64: percentile(abs, 0.90), Valid: true}
	}
	if len(signed) > 0 {
		var sum float64
		for _, v := range signed {
			sum += v
		}
		ds.Bias = sql.NullFloat64{Float64: sum / float64(len(signed)), Valid: true}
	}

	if err := a.store.UpsertDashboardStats(ds); err != nil {
		return err
	}
	metrics.StatsRecomputed.Inc()
	return nil
}

// ComputeAll recomputes snapshots for every (station, source) series with
// scored errors, across all three kinds and every configured window. One
// key's failure is logged and skipped; the pass continues and the key is
// retried on the next scheduled run, leaving its prior snapshot in place.
func (a *Aggregator) ComputeAll(ctx context.Context, windows []int) error {
	keys, err := a.store.ListStatKeys()
	if err != nil {
		return fmt.Errorf("list stat keys: %w", err)
	}

	kinds := []string{models.KindHigh, models.KindLow, models.KindBoth}
	for _, k := range keys {
		for _, kind := range kinds {
			for _, window := range windows {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := a.ComputeStats(k.StationID, k.Source, kind, window); err != nil {
					a.log.Warnw("stats recompute skipped", "station", k.StationID, "source", k.Source, "kind", kind, "window_days", window, "error", err)
					metrics.SkippedItems.WithLabelValues("stats").Inc()
				}
			}
		}
	}
	return nil
}

// percentile returns the q-quantile of sorted using linear interpolation
// between closest ranks, matching the numpy default. sorted must be
// ascending and non-empty.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
