// Package app wires a configured run end to end: load candles and
// sentiment, validate data quality, build the strategy, drive the bar
// loop and write the artifacts.
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Marcux777/kairos-alloy/internal/agent"
	"github.com/Marcux777/kairos-alloy/internal/artifacts"
	"github.com/Marcux777/kairos-alloy/internal/audit"
	"github.com/Marcux777/kairos-alloy/internal/backtest"
	"github.com/Marcux777/kairos-alloy/internal/config"
	"github.com/Marcux777/kairos-alloy/internal/dataquality"
	"github.com/Marcux777/kairos-alloy/internal/datasource"
	"github.com/Marcux777/kairos-alloy/internal/features"
	"github.com/Marcux777/kairos-alloy/internal/logger"
	"github.com/Marcux777/kairos-alloy/internal/metrics"
	"github.com/Marcux777/kairos-alloy/internal/server"
	"github.com/Marcux777/kairos-alloy/internal/strategy"
	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// exit code for a user-initiated abort.
const ExitCancelled = 130

// Outcome is what the CLI needs after a run.
type Outcome struct {
	RunID    string
	RunDir   string
	Status   backtest.Status
	Summary  metrics.Summary
	ExitCode int
}

// Run executes one backtest described by cfg. Returns a non-nil error
// only for failures that prevented or aborted the run; the exit code in
// Outcome follows the process contract either way.
func Run(ctx context.Context, cfg config.Config, log *logger.Logger, progress backtest.ProgressFunc) (Outcome, error) {
	runID := cfg.EnsureRunID()
	timeframe := cfg.Timeframe()

	bars, err := loadBars(cfg, log)
	if err != nil {
		return Outcome{RunID: runID, ExitCode: errors.ExitCode(err)}, err
	}

	report := dataquality.Analyze(bars, timeframe.Step())

	if cfg.DataQuality.Strict {
		thresholds := dataquality.Thresholds{
			MaxGaps:         cfg.DataQuality.MaxGaps,
			MaxMissingBars:  cfg.DataQuality.MaxMissingBars,
			MaxDuplicates:   cfg.DataQuality.MaxDuplicates,
			MaxOutOfOrder:   cfg.DataQuality.MaxOutOfOrder,
			MaxInvalidClose: cfg.DataQuality.MaxInvalidClose,
		}

		if err := report.Check(thresholds); err != nil {
			// The run never executes, but the run directory still gets a
			// summary naming the abort so downstream tooling sees a status.
			if writer, werr := artifacts.NewWriter(cfg.Paths.OutDir, runID); werr == nil {
				writeArtifacts(cfg, writer, runID, backtest.StatusAbortedData, metrics.Summary{}, nil, nil, log)
			}

			return Outcome{RunID: runID, Status: backtest.StatusAbortedData, ExitCode: errors.ExitCode(err)}, err
		}
	} else if report.Gaps > 0 || report.Duplicates > 0 || report.OutOfOrder > 0 || report.InvalidClose > 0 {
		log.Warn("data quality issues detected",
			zap.Int("gaps", report.Gaps),
			zap.Int("missing_bars", report.MissingBars),
			zap.Int("duplicates", report.Duplicates),
			zap.Int("out_of_order", report.OutOfOrder),
			zap.Int("invalid_close", report.InvalidClose),
		)
	}

	sentiment, err := loadSentiment(cfg, log)
	if err != nil {
		return Outcome{RunID: runID, ExitCode: errors.ExitCode(err)}, err
	}

	pipeline, err := buildPipeline(cfg, bars, sentiment)
	if err != nil {
		return Outcome{RunID: runID, ExitCode: errors.ExitCode(err)}, err
	}

	writer, err := artifacts.NewWriter(cfg.Paths.OutDir, runID)
	if err != nil {
		return Outcome{RunID: runID, ExitCode: errors.ExitCode(err)}, err
	}

	sink, err := artifacts.NewJSONLSink(writer.Dir())
	if err != nil {
		return Outcome{RunID: runID, ExitCode: errors.ExitCode(err)}, err
	}

	recorder := audit.NewRecorder(runID, cfg.Run.Symbol, sink)

	strat, err := buildStrategy(cfg, recorder, runID)
	if err != nil {
		sink.Close()

		return Outcome{RunID: runID, ExitCode: errors.ExitCode(err)}, err
	}

	if cfg.Server.Listen != "" {
		srv := server.New(cfg.Server.Listen, runID, recorder, log)

		addr, err := srv.Start()
		if err != nil {
			log.Warn("failed to start metrics server", zap.Error(err))
		} else {
			log.Info("metrics server listening", zap.String("addr", addr))

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}
	}

	runner := backtest.NewRunner(runnerConfig(cfg, runID), strat, pipeline, recorder, log, progress)

	result, runErr := runner.Run(ctx)

	status := backtest.StatusAbortedRuntime
	summary := metrics.Summary{}

	var trades []types.Trade

	var equity []types.EquityPoint

	if runErr == nil {
		status = result.Status
		summary = result.Summary
		trades = result.Trades
		equity = result.EquityCurve
	} else if errors.ExitCode(runErr) == 3 {
		// A sentiment/data failure surfaced mid-setup of the bar loop.
		status = backtest.StatusAbortedData
	}

	writeErr := writeArtifacts(cfg, writer, runID, status, summary, trades, equity, log)

	if err := sink.Close(); err != nil {
		log.Warn("failed to close audit log", zap.Error(err))
	}

	if runErr != nil {
		return Outcome{
			RunID: runID, RunDir: writer.Dir(), Status: status,
			ExitCode: errors.ExitCode(runErr),
		}, runErr
	}

	outcome := Outcome{
		RunID:   runID,
		RunDir:  writer.Dir(),
		Status:  status,
		Summary: summary,
	}

	switch {
	case status == backtest.StatusCancelled:
		outcome.ExitCode = ExitCancelled
	case writeErr != nil:
		// Artifact IO failures at end-of-run do not roll back the run;
		// the failure is logged and the exit code is 2. The status in
		// summary.json carries no marker of the failure.
		log.Error("artifact write failed", zap.Error(writeErr))
		outcome.ExitCode = 2
	default:
		outcome.ExitCode = 0
	}

	return outcome, nil
}

func loadBars(cfg config.Config, log *logger.Logger) ([]types.Bar, error) {
	repo, err := datasource.NewOhlcvRepository(cfg.DB.Path, cfg.DB.OhlcvTable, log)
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	timeframe := cfg.Timeframe()

	sourceTimeframe := timeframe
	if cfg.DB.SourceTimeframe != "" {
		sourceTimeframe, _ = types.ParseTimeframe(cfg.DB.SourceTimeframe)
	}

	bars, err := repo.LoadOHLCV(datasource.OhlcvQuery{
		Exchange:  cfg.DB.Exchange,
		Market:    cfg.DB.Market,
		Symbol:    cfg.Run.Symbol,
		Timeframe: sourceTimeframe,
	})
	if err != nil {
		return nil, err
	}

	if sourceTimeframe != timeframe {
		if sourceTimeframe.Step() > timeframe.Step() {
			return nil, errors.Newf(errors.ErrCodeResampleImpossible,
				"cannot resample: source timeframe %s is larger than run timeframe %s",
				sourceTimeframe, timeframe)
		}

		bars, err = datasource.Resample(bars, timeframe.Step())
		if err != nil {
			return nil, err
		}
	}

	return bars, nil
}

func loadSentiment(cfg config.Config, log *logger.Logger) (types.SentimentSeries, error) {
	if cfg.Paths.SentimentPath == "" {
		return types.SentimentSeries{}, nil
	}

	series, report, err := datasource.LoadSentiment(
		cfg.Paths.SentimentPath,
		features.MissingPolicy(cfg.Features.SentimentMissing),
	)
	if err != nil {
		return types.SentimentSeries{}, err
	}

	if report.MissingValues > 0 || report.InvalidValues > 0 || report.Duplicates > 0 {
		log.Warn("sentiment quality issues detected",
			zap.Int("missing", report.MissingValues),
			zap.Int("invalid", report.InvalidValues),
			zap.Int("duplicates", report.Duplicates),
			zap.Int("dropped", report.DroppedRows),
		)
	}

	return series, nil
}

func buildPipeline(cfg config.Config, bars []types.Bar, sentiment types.SentimentSeries) (*features.Pipeline, error) {
	lag, err := cfg.Features.SentimentLagDuration()
	if err != nil {
		return nil, err
	}

	maxGap, err := cfg.Features.SentimentMaxGapDuration()
	if err != nil {
		return nil, err
	}

	return features.NewPipeline(features.Config{
		ReturnMode:             features.ReturnMode(cfg.Features.ReturnMode),
		SMAWindows:             cfg.Features.SMAWindows,
		VolatilityWindows:      cfg.Features.VolatilityWindows,
		RSIEnabled:             cfg.Features.RSIEnabled,
		SentimentLagSeconds:    int64(lag / time.Second),
		SentimentMissing:       features.MissingPolicy(cfg.Features.SentimentMissing),
		SentimentMaxGapSeconds: int64(maxGap / time.Second),
	}, bars, sentiment), nil
}

func buildStrategy(cfg config.Config, recorder *audit.Recorder, runID string) (strategy.Strategy, error) {
	sizeMode := strategy.SizeMode(cfg.Orders.SizeMode)

	if cfg.Agent.Mode == "remote" {
		client, err := agent.NewHTTPClient(agent.Config{
			URL:            cfg.Agent.URL,
			TimeoutMs:      cfg.Agent.TimeoutMs,
			Retries:        cfg.Agent.Retries,
			APIVersion:     cfg.Agent.APIVersion,
			FeatureVersion: cfg.Agent.FeatureVersion,
		})
		if err != nil {
			return nil, err
		}

		return strategy.NewAgentStrategy(client, recorder, strategy.AgentParams{
			RunID:           runID,
			Symbol:          cfg.Run.Symbol,
			Timeframe:       cfg.Timeframe(),
			APIVersion:      cfg.Agent.APIVersion,
			FeatureVersion:  cfg.Agent.FeatureVersion,
			FallbackAction:  types.ActionType(cfg.Agent.FallbackAction),
			FatalOnProtocol: cfg.Agent.FatalOnProtocol,
		}), nil
	}

	switch cfg.Agent.Strategy {
	case "sma_crossover":
		return strategy.NewSmaCrossover(cfg.Agent.SMAFast, cfg.Agent.SMASlow, 1.0, sizeMode), nil
	case "hold":
		return strategy.NewHold(), nil
	default:
		return strategy.NewBuyAndHold(1.0, sizeMode), nil
	}
}

func runnerConfig(cfg config.Config, runID string) backtest.RunnerConfig {
	return backtest.RunnerConfig{
		RunID:          runID,
		Symbol:         cfg.Run.Symbol,
		Timeframe:      cfg.Timeframe(),
		InitialCapital: cfg.Run.InitialCapital,
		SizeMode:       backtest.SizeMode(cfg.Orders.SizeMode),
		SkipWarmup:     cfg.Features.SkipWarmup,
		RiskLimits:     cfg.RiskLimits(),
		Execution: backtest.ExecConfig{
			Model:              backtest.Model(cfg.Execution.Model),
			BuyKind:            orderKind(cfg.Execution.BuyKind),
			SellKind:           orderKind(cfg.Execution.SellKind),
			PriceReference:     backtest.PriceReference(cfg.Execution.PriceReference),
			LimitOffsetBps:     cfg.Execution.LimitOffsetBps,
			StopOffsetBps:      cfg.Execution.StopOffsetBps,
			SpreadBps:          cfg.Execution.SpreadBps,
			SlippageBps:        cfg.Costs.SlippageBps,
			FeeBps:             cfg.Costs.FeeBps,
			LatencyBars:        cfg.Execution.LatencyBars,
			TIF:                timeInForce(cfg.Execution.TIF),
			ExpireAfterBars:    cfg.Execution.ExpireAfterBars,
			MaxFillPctOfVolume: cfg.Execution.MaxFillPctOfVolume,
			DecimalPrecision:   cfg.Orders.DecimalPrecision,
		},
		Metrics: metrics.Config{
			RiskFreeRate:        cfg.Metrics.RiskFreeRate,
			AnnualizationFactor: cfg.Metrics.AnnualizationFactor,
			Timeframe:           cfg.Timeframe(),
			InitialCapital:      cfg.Run.InitialCapital,
		},
	}
}

func orderKind(value string) types.OrderKind {
	switch value {
	case "limit":
		return types.OrderKindLimit
	case "stop":
		return types.OrderKindStop
	default:
		return types.OrderKindMarket
	}
}

func timeInForce(value string) types.TimeInForce {
	switch value {
	case "ioc":
		return types.TimeInForceIOC
	case "fok":
		return types.TimeInForceFOK
	default:
		return types.TimeInForceGTC
	}
}

func writeArtifacts(
	cfg config.Config,
	writer *artifacts.Writer,
	runID string,
	status backtest.Status,
	summary metrics.Summary,
	trades []types.Trade,
	equity []types.EquityPoint,
	log *logger.Logger,
) error {
	if err := writer.WriteTrades(trades); err != nil {
		return err
	}

	if err := writer.WriteEquity(equity); err != nil {
		return err
	}

	var start, end int64
	if len(equity) > 0 {
		start = equity[0].Timestamp
		end = equity[len(equity)-1].Timestamp
	}

	full := artifacts.Summary{
		RunID:          runID,
		Symbol:         cfg.Run.Symbol,
		Timeframe:      cfg.Run.Timeframe,
		Status:         string(status),
		Start:          start,
		End:            end,
		InitialCapital: cfg.Run.InitialCapital,
		Costs: artifacts.SummaryCosts{
			FeeBps:      cfg.Costs.FeeBps,
			SlippageBps: cfg.Costs.SlippageBps,
			SpreadBps:   cfg.Execution.SpreadBps,
		},
		Risk: artifacts.SummaryRisk{
			MaxPositionQty: cfg.Risk.MaxPositionQty,
			MaxExposurePct: cfg.Risk.MaxExposurePct,
			MaxDrawdownPct: cfg.Risk.MaxDrawdownPct,
		},
		Metrics: summary,
	}

	if err := writer.WriteSummary(full); err != nil {
		return err
	}

	if err := writer.WriteReport(full); err != nil {
		return err
	}

	if err := cfg.WriteSnapshot(writer.Dir()); err != nil {
		return err
	}

	log.Info("artifacts written",
		zap.String("run_id", runID),
		zap.String("dir", writer.Dir()),
		zap.String("status", string(status)),
	)

	return nil
}
