package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/wasmcheck/wasmcheck/model"
)

const AppName = "wasmcheck"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Run wasm unit tests with per-test isolation and function coverage",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Compile, instrument and run every test in the given files",
		ArgsUsage: "FILE [FILE...]",
		Action:    app.run,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Usage: fmt.Sprintf("Coverage mode: %s, %s, %s or %s", model.ModeDisabled, model.ModeIntegrated, model.ModeDual, model.ModeFailsafe),
			},
			&cli.StringFlag{
				Name:  "lcov",
				Usage: "LCOV coverage report output path",
			},
			&cli.StringFlag{
				Name:  "pprof",
				Usage: "Additionally write coverage as a gzipped pprof profile to this path",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Number of file pipelines to run at once (default: one per CPU)",
			},
		}, sharedFlags()...),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "discover",
		Usage:     "List the tests registered in the given files without running them",
		ArgsUsage: "FILE [FILE...]",
		Action:    app.discover,
		Flags:     sharedFlags(),
	})
	return app
}

func sharedFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
		},
		&cli.StringSliceFlag{
			Name:  "compiler",
			Usage: "External compiler command (first value is the executable); not needed for .wasm inputs",
		},
		&cli.StringSliceFlag{
			Name:  "reserved-prefix",
			Usage: "Function name prefixes excluded from coverage instrumentation",
		},
	}
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && commit != "" {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}
