package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/wxtrack/wxtrack/internal/derive"
	"github.com/wxtrack/wxtrack/internal/jobs"
	"github.com/wxtrack/wxtrack/internal/models"
	"github.com/wxtrack/wxtrack/internal/observability"
	"github.com/wxtrack/wxtrack/internal/stats"
	"github.com/wxtrack/wxtrack/internal/store"
)

// Default station set, matching the stations the collectors are configured
// for. Locations are otherwise managed by the operator.
var defaultLocations = []models.Location{
	{StationID: "KNYC", Name: "NYC Central Park", State: "NY", Timezone: "America/New_York", Lat: 40.78, Lon: -73.97, IsActive: true},
	{StationID: "KMIA", Name: "Miami International Airport", State: "FL", Timezone: "America/New_York", Lat: 25.79, Lon: -80.32, IsActive: true},
	{StationID: "KNEW", Name: "New Orleans Lakefront Airport", State: "LA", Timezone: "America/Chicago", Lat: 30.05, Lon: -90.03, IsActive: true},
	{StationID: "KPHL", Name: "Philadelphia International Airport", State: "PA", Timezone: "America/New_York", Lat: 39.87, Lon: -75.23, IsActive: true},
}

type appContext struct {
	store      *store.Store
	engine     *derive.Engine
	aggregator *stats.Aggregator
	scheduler  *jobs.Scheduler
	clock      clockwork.Clock
	log        *zap.SugaredLogger
	windows    []int
}

type cli struct {
	DB      string `help:"Path to the SQLite database." default:"data/wxtrack.db" env:"WXTRACK_DB"`
	Windows []int  `help:"Rolling stat windows in days." default:"7,30,90" env:"WXTRACK_WINDOWS"`

	Migrate  migrateCmd  `cmd:"" help:"Apply schema migrations and report the version."`
	Seed     seedCmd     `cmd:"" help:"Seed the default station set."`
	Maintain maintainCmd `cmd:"" help:"Ensure the rolling partition horizon."`
	Derive   deriveCmd   `cmd:"" help:"Run one derive pass (errors and revisions)."`
	Stats    statsCmd    `cmd:"" help:"Recompute rolling dashboard stats."`
	Retire   retireCmd   `cmd:"" help:"Drop hourly partitions older than the retention cutoff."`
	Serve    serveCmd    `cmd:"" help:"Run periodic jobs with a metrics endpoint until signalled."`
}

type migrateCmd struct{}

func (c *migrateCmd) Run(app *appContext) error {
	version, err := app.store.MigrationVersion()
	if err != nil {
		return err
	}
	app.log.Infow("schema up to date", "version", version)
	return nil
}

type seedCmd struct{}

func (c *seedCmd) Run(app *appContext) error {
	for _, loc := range defaultLocations {
		if err := app.store.UpsertLocation(loc); err != nil {
			return fmt.Errorf("seed location %s: %w", loc.StationID, err)
		}
	}
	app.log.Infow("locations seeded", "count", len(defaultLocations))
	return nil
}

type maintainCmd struct{}

func (c *maintainCmd) Run(app *appContext) error {
	if err := app.store.MaintainPartitions(app.clock.Now(), jobs.TrailingMonths, jobs.LeadingMonths); err != nil {
		return err
	}
	partitions, err := app.store.ListPartitions()
	if err != nil {
		return err
	}
	app.log.Infow("partition horizon ensured", "partitions", len(partitions))
	return nil
}

type deriveCmd struct{}

func (c *deriveCmd) Run(app *appContext) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return app.engine.ComputePending(ctx)
}

type statsCmd struct{}

func (c *statsCmd) Run(app *appContext) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return app.aggregator.ComputeAll(ctx, app.windows)
}

type retireCmd struct {
	KeepMonths int `help:"Months of hourly history to keep." default:"36"`
}

func (c *retireCmd) Run(app *appContext) error {
	dropped, err := app.scheduler.RetirePartitions(c.KeepMonths)
	if err != nil {
		return err
	}
	app.log.Infow("retention pass complete", "dropped", dropped)
	return nil
}

type serveCmd struct {
	MetricsAddr string `help:"Listen address for /metrics and /healthz." default:":9090" env:"WXTRACK_METRICS_ADDR"`
}

func (c *serveCmd) Run(app *appContext) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: c.MetricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		app.log.Infow("metrics listening", "addr", c.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.Errorw("metrics server", "error", err)
		}
	}()

	return app.scheduler.Run(ctx)
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("wxtrack"),
		kong.Description("Forecast accuracy ledger: ingestion registries, partitioned fact storage and derived accuracy statistics."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)

	logger, err := observability.NewLogger()
	kctx.FatalIfErrorf(err)
	defer logger.Sync()
	log := logger.Sugar()

	db, err := store.Open(flags.DB)
	kctx.FatalIfErrorf(err)
	defer db.Close()

	clock := clockwork.NewRealClock()
	st := store.New(db, clock)
	kctx.FatalIfErrorf(st.Migrate())

	engine := derive.NewEngine(st, log)
	aggregator := stats.NewAggregator(st, log)
	scheduler := jobs.NewScheduler(st, engine, aggregator, clock, log, flags.Windows)

	err = kctx.Run(&appContext{
		store:      st,
		engine:     engine,
		aggregator: aggregator,
		scheduler:  scheduler,
		clock:      clock,
		log:        log,
		windows:    flags.Windows,
	})
	kctx.FatalIfErrorf(err)
}
