package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/config"
	"github.com/goliatone/go-migration/control"
	"github.com/goliatone/go-migration/cron"
	"github.com/goliatone/go-migration/runner"
	"github.com/goliatone/go-migration/saga"
	"github.com/goliatone/go-migration/store"
	"github.com/goliatone/go-migration/telemetry"
	"github.com/goliatone/go-migration/tracker"
	"github.com/goliatone/go-migration/wave"
)

// App holds the wired components shared by every command.
type App struct {
	cfg       *config.Config
	logger    migration.Logger
	store     store.Store
	tracker   *tracker.Tracker
	engine    *saga.Engine
	waves     *wave.Orchestrator
	cron      *cron.Scheduler
	scheduler *wave.Scheduler
	service   *control.Service
	metrics   *telemetry.MetricsSink

	closers []func(context.Context) error
}

func newApp(globals Globals) (*App, error) {
	cfg := config.Default()
	if path := strings.TrimSpace(globals.Config); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg.ApplyEnv(os.LookupEnv)
	}
	if globals.LogLevel != "" {
		cfg.Logging.Level = globals.LogLevel
	}

	app := &App{cfg: cfg}
	app.logger = migration.NewGlogLogger(glog.NewLogger(
		glog.WithWriter(os.Stderr),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(strings.ToLower(cfg.Logging.Level)),
	))

	shutdown, err := telemetry.InitTracing(telemetry.TracingConfig{
		ServiceName: cfg.Telemetry.Tracing.ServiceName,
		Endpoint:    cfg.Telemetry.Tracing.Endpoint,
		Enabled:     cfg.Telemetry.Tracing.Enabled,
		SampleRate:  cfg.Telemetry.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	app.closers = append(app.closers, shutdown)

	s, closeStore, err := openStore(context.Background(), cfg.Store)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.store = s
	app.closers = append(app.closers, closeStore)

	sinks := []telemetry.Sink{
		telemetry.Route(telemetry.NewLogSink(app.logger), cfg.Telemetry.LogEvents...),
		telemetry.TraceSink{},
	}
	if cfg.Telemetry.Metrics.Enabled {
		metrics, err := telemetry.NewMetricsSink(prometheus.DefaultRegisterer)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.metrics = metrics
		sinks = append(sinks, metrics)
	}
	sink := telemetry.Multi(sinks...)
	codec := store.CodecByName(cfg.Store.Codec)

	registry, err := buildRegistry(cfg.Handlers)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.tracker = tracker.New(s,
		tracker.WithLogger(app.logger),
		tracker.WithSink(sink),
		tracker.WithCodec(codec),
	)
	engineOpts := []saga.Option{
		saga.WithLogger(app.logger),
		saga.WithSink(sink),
		saga.WithCodec(codec),
	}
	if cfg.Engine.Idempotency {
		engineOpts = append(engineOpts, saga.WithLedger(saga.NewLedger(s, codec)))
	}
	app.engine = saga.New(s, registry, app.tracker, engineOpts...)
	for _, def := range cfg.SagaDefinitions() {
		if err := app.engine.Define(def); err != nil {
			app.Close()
			return nil, err
		}
	}

	app.waves = wave.New(s, app.engine,
		wave.WithLogger(app.logger),
		wave.WithSink(sink),
		wave.WithCodec(codec),
		wave.WithDefaultConcurrency(cfg.Engine.DefaultConcurrency),
	)
	loc, err := cfg.Engine.Scheduler.TimeLocation()
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("scheduler location: %w", err)
	}
	parser, err := cron.ParseParser(cfg.Engine.Scheduler.Parser)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.cron = cron.NewScheduler(
		cron.WithLogger(app.logger),
		cron.WithLogLevel(cron.LogLevelFor(cfg.Logging.Level)),
		cron.WithLocation(loc),
		cron.WithParser(parser),
		cron.WithPolicy(runner.Policy{Timeout: cfg.Engine.SchedulerTimeout.Std()}),
		cron.WithErrorHandler(func(err error) {
			app.logger.Error("scheduled job failed: %v", err)
		}),
	)
	app.scheduler = wave.NewScheduler(app.waves, app.cron, 0)
	app.service = control.NewService(app.engine, app.waves,
		control.WithLogger(app.logger),
		control.WithScheduler(app.scheduler),
	)
	return app, nil
}

// Close releases every resource in reverse acquisition order.
func (a *App) Close() {
	ctx := context.Background()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.Warn("shutdown: %v", err)
		}
	}
	a.closers = nil
}
