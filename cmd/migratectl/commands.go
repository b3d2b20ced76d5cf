package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/control"
	"github.com/goliatone/go-migration/tracker"
	"github.com/goliatone/go-migration/wave"
)

type EntityCmd struct {
	Register  EntityRegisterCmd  `cmd:"" help:"Register an entity at its initial location."`
	Status    EntityStatusCmd    `cmd:"" help:"Show the tracked state of an entity."`
	Validate  EntityValidateCmd  `cmd:"" help:"Validate a completed migration."`
	List      EntityListCmd      `cmd:"" help:"List entities matching a filter."`
	Reconcile EntityReconcileCmd `cmd:"" help:"Compare entities with the sagas that moved them."`
}

type EntityRegisterCmd struct {
	ID       string            `arg:"" help:"Entity id."`
	Location string            `default:"source_system" help:"Initial location."`
	Meta     map[string]string `help:"Metadata as key=value pairs."`
}

func (c *EntityRegisterCmd) Run(app *App) error {
	loc, ok := migration.ParseLocation(c.Location)
	if !ok {
		return fmt.Errorf("unknown location %q", c.Location)
	}
	meta := make(map[string]any, len(c.Meta))
	for k, v := range c.Meta {
		meta[k] = v
	}
	return emit(app.service.RegisterEntity(context.Background(), control.RegisterEntityRequest{
		EntityID: c.ID,
		Location: loc,
		Metadata: meta,
	}))
}

type EntityStatusCmd struct {
	ID string `arg:"" help:"Entity id."`
}

func (c *EntityStatusCmd) Run(app *App) error {
	return emit(app.service.GetEntityStatus(context.Background(), c.ID))
}

type EntityValidateCmd struct {
	ID       string   `arg:"" help:"Entity id."`
	Location string   `help:"Expected location." default:"target_system"`
	Status   string   `help:"Expected status." default:"completed"`
	Require  []string `help:"Metadata keys that must be present."`
}

func (c *EntityValidateCmd) Run(app *App) error {
	loc, ok := migration.ParseLocation(c.Location)
	if !ok {
		return fmt.Errorf("unknown location %q", c.Location)
	}
	status, ok := migration.ParseEntityStatus(c.Status)
	if !ok {
		return fmt.Errorf("unknown status %q", c.Status)
	}
	rules := tracker.ValidationRules{Location: loc, Status: status, RequiredMetadata: c.Require}
	return emit(app.service.ValidateMigration(context.Background(), c.ID, &rules))
}

type EntityListCmd struct {
	Status   []string `help:"Filter by status."`
	Location []string `help:"Filter by location."`
	Limit    int      `help:"Maximum number of entities."`
}

func (c *EntityListCmd) Run(app *App) error {
	filter := tracker.Filter{Limit: c.Limit}
	for _, raw := range c.Status {
		s, ok := migration.ParseEntityStatus(raw)
		if !ok {
			return fmt.Errorf("unknown status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	for _, raw := range c.Location {
		l, ok := migration.ParseLocation(raw)
		if !ok {
			return fmt.Errorf("unknown location %q", raw)
		}
		filter.Locations = append(filter.Locations, l)
	}
	return emit(app.service.QueryEntities(context.Background(), filter))
}

type EntityReconcileCmd struct {
	IDs []string `arg:"" optional:"" help:"Entity ids; omit to check every entity."`
}

func (c *EntityReconcileCmd) Run(app *App) error {
	return emit(app.service.Reconcile(context.Background(), c.IDs))
}

type WaveCmd struct {
	Create   WaveCreateCmd   `cmd:"" help:"Create a wave from config or flags."`
	Select   WaveSelectCmd   `cmd:"" help:"Select the wave's candidates."`
	Execute  WaveExecuteCmd  `cmd:"" help:"Execute a wave."`
	Rollback WaveRollbackCmd `cmd:"" help:"Roll back every saga a wave completed."`
	Status   WaveStatusCmd   `cmd:"" help:"Show one wave, or list all waves."`
	Schedule WaveScheduleCmd `cmd:"" help:"Schedule a wave for its scheduled start."`
	Recover  WaveRecoverCmd  `cmd:"" help:"Finish waves left executing by an interrupted run."`
}

type WaveCreateCmd struct {
	ID          string `arg:"" help:"Wave id; looked up in the config waves first."`
	SagaType    string `help:"Saga type when the wave is not in the config."`
	Number      int    `help:"Wave number."`
	Concurrency int    `help:"Default worker count."`
}

func (c *WaveCreateCmd) Run(app *App) error {
	def := wave.Definition{WaveID: c.ID, SagaType: c.SagaType, WaveNumber: c.Number, Concurrency: c.Concurrency}
	if wc, ok := app.cfg.Wave(c.ID); ok {
		def = wc.Definition()
	}
	return emit(app.service.CreateWave(context.Background(), def))
}

type WaveSelectCmd struct {
	ID string `arg:"" help:"Wave id."`
}

func (c *WaveSelectCmd) Run(app *App) error {
	return emit(app.service.SelectCandidates(context.Background(), c.ID))
}

type WaveExecuteCmd struct {
	ID          string `arg:"" help:"Wave id."`
	Concurrency int    `help:"Worker count; zero uses the wave default."`
}

func (c *WaveExecuteCmd) Run(app *App) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return emit(app.service.ExecuteWave(ctx, c.ID, c.Concurrency))
}

type WaveRollbackCmd struct {
	ID string `arg:"" help:"Wave id."`
}

func (c *WaveRollbackCmd) Run(app *App) error {
	return emit(app.service.RollbackWave(context.Background(), c.ID))
}

type WaveStatusCmd struct {
	ID string `arg:"" optional:"" help:"Wave id; omit to list every wave."`
}

func (c *WaveStatusCmd) Run(app *App) error {
	if c.ID == "" {
		return emit(app.service.ListWaves(context.Background()))
	}
	return emit(app.service.GetWaveStatus(context.Background(), c.ID))
}

type WaveScheduleCmd struct {
	ID   string `arg:"" help:"Wave id."`
	Wait bool   `help:"Block until the scheduled run finishes."`
}

func (c *WaveScheduleCmd) Run(app *App) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := emit(app.service.ScheduleWave(ctx, c.ID)); err != nil || !c.Wait {
		return err
	}
	h, ok := app.scheduler.Handle(c.ID)
	if !ok {
		return nil
	}
	select {
	case <-h.Done():
		if err := h.Err(); err != nil {
			return err
		}
		return emit(app.service.GetWaveStatus(context.Background(), c.ID))
	case <-ctx.Done():
		h.Cancel()
		return ctx.Err()
	}
}

type WaveRecoverCmd struct {
	ID string `arg:"" optional:"" help:"Wave id; omit to resume interrupted sagas and recover every executing wave."`
}

func (c *WaveRecoverCmd) Run(app *App) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.ID == "" {
		return emit(app.service.Recover(ctx))
	}
	return emit(app.service.RecoverWave(ctx, c.ID))
}

type SagaCmd struct {
	Status  SagaStatusCmd  `cmd:"" help:"Show a saga execution."`
	Resume  SagaResumeCmd  `cmd:"" help:"Resume an interrupted saga."`
	Recover SagaRecoverCmd `cmd:"" help:"Resume every interrupted saga."`
}

type SagaStatusCmd struct {
	ID string `arg:"" help:"Saga id."`
}

func (c *SagaStatusCmd) Run(app *App) error {
	return emit(app.service.GetSagaStatus(context.Background(), c.ID))
}

type SagaResumeCmd struct {
	ID string `arg:"" help:"Saga id."`
}

func (c *SagaResumeCmd) Run(app *App) error {
	return emit(app.service.ResumeSaga(context.Background(), c.ID))
}

type SagaRecoverCmd struct{}

func (c *SagaRecoverCmd) Run(app *App) error {
	return emit(app.service.RecoverSagas(context.Background()))
}

type StatusCmd struct{}

func (c *StatusCmd) Run(app *App) error {
	return emit(app.service.GetMigrationStatus(context.Background()))
}

type ServeCmd struct {
	Recover bool `help:"Resume interrupted sagas and waves before serving." default:"true" negatable:""`
}

func (c *ServeCmd) Run(app *App) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Recover {
		if err := emit(app.service.Recover(ctx)); err != nil {
			app.logger.Warn("recovery incomplete: %v", err)
		}
	}
	armed, err := app.scheduler.Restore(ctx)
	if err != nil {
		return err
	}
	app.logger.Info("armed %d scheduled waves", armed)
	if spec := app.cfg.Engine.Scheduler.RecoverySchedule; spec != "" {
		if _, err := app.scheduler.RecoverEvery(spec); err != nil {
			return err
		}
		app.logger.Info("periodic recovery scheduled spec=%q", spec)
	}
	if err := app.cron.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.cron.Stop(context.Background()) }()

	var server *http.Server
	if app.cfg.Telemetry.Metrics.Enabled && app.cfg.Telemetry.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: app.cfg.Telemetry.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.Error("metrics server: %v", err)
			}
		}()
	}

	<-ctx.Done()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
	return nil
}

// emit prints resp as JSON and turns a failed response into an error so the
// process exits non-zero.
func emit[T any](resp control.Response[T]) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if !resp.Success && resp.Error != nil {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}
