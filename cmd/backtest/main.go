// Command backtest is the Kairos Alloy CLI: run backtests, validate
// data quality, regenerate reports from artifacts, ingest candles and
// print the config schema.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap/zapcore"

	"github.com/Marcux777/kairos-alloy/internal/app"
	"github.com/Marcux777/kairos-alloy/internal/artifacts"
	"github.com/Marcux777/kairos-alloy/internal/config"
	"github.com/Marcux777/kairos-alloy/internal/dataquality"
	"github.com/Marcux777/kairos-alloy/internal/datasource"
	"github.com/Marcux777/kairos-alloy/internal/ingest"
	"github.com/Marcux777/kairos-alloy/internal/logger"
	"github.com/Marcux777/kairos-alloy/internal/metrics"
	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

func main() {
	cmd := &cli.Command{
		Name:  "backtest",
		Usage: "Deterministic bar-driven backtesting for single-asset crypto strategies",
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			reportCommand(),
			ingestCommand(),
			schemaCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errors.ExitCode(err))
	}
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "Path to the YAML run configuration",
		Required: true,
	}
}

func newLogger(verbose bool) (*logger.Logger, error) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	return logger.NewLoggerWithLevel(level)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute a backtest and write its artifacts",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Enable debug logging"},
			&cli.BoolFlag{Name: "no-progress", Usage: "Disable the progress bar"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), errors.ExitCode(err))
			}

			log, err := newLogger(cmd.Bool("verbose"))
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			defer log.Sync()

			var progress func(current, total int)

			if !cmd.Bool("no-progress") {
				var bar *progressbar.ProgressBar

				progress = func(current, total int) {
					if bar == nil {
						bar = progressbar.Default(int64(total), "bars")
					}

					bar.Set(current)
				}
			}

			outcome, err := app.Run(ctx, cfg, log, progress)
			if err != nil {
				return cli.Exit(err.Error(), outcome.ExitCode)
			}

			fmt.Printf("run %s finished: status=%s net_profit=%.6g sharpe=%.6g max_drawdown=%.6g\n",
				outcome.RunID, outcome.Status, outcome.Summary.NetProfit,
				outcome.Summary.Sharpe, outcome.Summary.MaxDrawdown)
			fmt.Printf("artifacts: %s\n", outcome.RunDir)

			if outcome.ExitCode != 0 {
				return cli.Exit("", outcome.ExitCode)
			}

			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Check OHLCV data quality for a configured run without executing it",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{Name: "strict", Usage: "Fail when the configured thresholds are exceeded"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), errors.ExitCode(err))
			}

			log := logger.NewNopLogger()

			repo, err := datasource.NewOhlcvRepository(cfg.DB.Path, cfg.DB.OhlcvTable, log)
			if err != nil {
				return cli.Exit(err.Error(), errors.ExitCode(err))
			}
			defer repo.Close()

			bars, err := repo.LoadOHLCV(datasource.OhlcvQuery{
				Exchange:  cfg.DB.Exchange,
				Market:    cfg.DB.Market,
				Symbol:    cfg.Run.Symbol,
				Timeframe: cfg.Timeframe(),
			})
			if err != nil {
				return cli.Exit(err.Error(), errors.ExitCode(err))
			}

			report := dataquality.Analyze(bars, cfg.Timeframe().Step())

			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))

			if cmd.Bool("strict") || cfg.DataQuality.Strict {
				err := report.Check(dataquality.Thresholds{
					MaxGaps:         cfg.DataQuality.MaxGaps,
					MaxMissingBars:  cfg.DataQuality.MaxMissingBars,
					MaxDuplicates:   cfg.DataQuality.MaxDuplicates,
					MaxOutOfOrder:   cfg.DataQuality.MaxOutOfOrder,
					MaxInvalidClose: cfg.DataQuality.MaxInvalidClose,
				})
				if err != nil {
					return cli.Exit(err.Error(), errors.ExitCode(err))
				}
			}

			return nil
		},
	}
}

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Regenerate the metric summary from a run's artifacts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Run artifact directory", Required: true},
			&cli.StringFlag{Name: "timeframe", Usage: "Run timeframe", Value: "1min"},
			&cli.Float64Flag{Name: "initial-capital", Usage: "Initial capital of the run", Value: 0},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			timeframe, err := types.ParseTimeframe(cmd.String("timeframe"))
			if err != nil {
				return cli.Exit(err.Error(), errors.ExitCode(err))
			}

			summary, err := artifacts.Regenerate(cmd.String("dir"), metrics.Config{
				Timeframe:      timeframe,
				InitialCapital: cmd.Float64("initial-capital"),
			})
			if err != nil {
				return cli.Exit(err.Error(), errors.ExitCode(err))
			}

			out, _ := json.MarshalIndent(summary, "", "  ")
			fmt.Println(string(out))

			return nil
		},
	}
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Download historical klines into the local OHLCV store",
		Flags: []cli.Flag{
			configFlag(),
			&cli.TimestampFlag{
				Name:     "from",
				Usage:    "Start date in `YYYY-MM-DD` format",
				Required: true,
				Config:   cli.TimestampConfig{Layouts: []string{"2006-01-02"}},
			},
			&cli.TimestampFlag{
				Name:   "to",
				Usage:  "End date in `YYYY-MM-DD` format; defaults to now",
				Value:  time.Now(),
				Config: cli.TimestampConfig{Layouts: []string{"2006-01-02"}},
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), errors.ExitCode(err))
			}

			log, err := newLogger(false)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			defer log.Sync()

			repo, err := datasource.NewOhlcvRepository(cfg.DB.Path, cfg.DB.OhlcvTable, log)
			if err != nil {
				return cli.Exit(err.Error(), errors.ExitCode(err))
			}
			defer repo.Close()

			ingester := ingest.New(repo, log, true)

			total, err := ingester.Run(ctx, ingest.Request{
				Exchange:  cfg.DB.Exchange,
				Market:    cfg.DB.Market,
				Symbol:    cfg.Run.Symbol,
				Timeframe: cfg.Timeframe(),
				From:      cmd.Timestamp("from").Unix(),
				To:        cmd.Timestamp("to").Unix(),
			})
			if err != nil {
				return cli.Exit(err.Error(), errors.ExitCode(err))
			}

			fmt.Printf("ingested %d bars for %s %s\n", total, cfg.Run.Symbol, cfg.Run.Timeframe)

			return nil
		},
	}
}

func schemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "Print the JSON schema of the run configuration",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			fmt.Println(string(schema))

			return nil
		},
	}
}
