// Command migratectl drives entity, saga and wave operations from the
// command line.
package main

import (
	"github.com/alecthomas/kong"
	"go.uber.org/automaxprocs/maxprocs"
)

type Globals struct {
	Config   string `short:"c" type:"path" env:"MIGRATION_CONFIG" help:"Path to a YAML or TOML config file."`
	LogLevel string `name:"log-level" help:"Override the configured log level (trace, debug, info, warn, error)."`
}

type CLI struct {
	Globals

	Entity EntityCmd `cmd:"" help:"Register, inspect and validate entities."`
	Wave   WaveCmd   `cmd:"" help:"Create, execute and roll back waves."`
	Saga   SagaCmd   `cmd:"" help:"Inspect and resume saga executions."`
	Status StatusCmd `cmd:"" help:"Show the overall migration status."`
	Serve  ServeCmd  `cmd:"" help:"Run scheduled waves and expose metrics until interrupted."`
}

func main() {
	maxprocs.Set()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("migratectl"),
		kong.Description("Saga-based migration orchestration."),
		kong.UsageOnError(),
	)

	app, err := newApp(cli.Globals)
	kctx.FatalIfErrorf(err)
	defer app.Close()

	kctx.FatalIfErrorf(kctx.Run(app))
}
