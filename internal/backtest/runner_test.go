package backtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/Marcux777/kairos-alloy/internal/audit"
	"github.com/Marcux777/kairos-alloy/internal/features"
	"github.com/Marcux777/kairos-alloy/internal/logger"
	"github.com/Marcux777/kairos-alloy/internal/metrics"
	"github.com/Marcux777/kairos-alloy/internal/portfolio"
	"github.com/Marcux777/kairos-alloy/internal/strategy"
	"github.com/Marcux777/kairos-alloy/internal/types"
)

type RunnerTestSuite struct {
	suite.Suite
	sink *audit.MemorySink
}

func TestRunnerSuite(t *testing.T) {
	suite.Run(t, new(RunnerTestSuite))
}

func (suite *RunnerTestSuite) SetupTest() {
	suite.sink = audit.NewMemorySink()
}

// alwaysBuy requests a full-equity BUY on every bar it is asked.
type alwaysBuy struct {
	calls int
}

func (s *alwaysBuy) Name() string { return "always_buy" }

func (s *alwaysBuy) OnBar(_ context.Context, _ types.Bar, _ features.Observation, _ portfolio.View) (types.Action, error) {
	s.calls++

	return types.Action{Type: types.ActionBuy, Size: 1.0}, nil
}

func (s *alwaysBuy) Reset() { s.calls = 0 }

func barsWithCloses(closes ...float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{
			Timestamp: int64(i) * 60,
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    10,
		}
	}

	return bars
}

func (suite *RunnerTestSuite) runnerConfig() RunnerConfig {
	return RunnerConfig{
		RunID:          "run-1",
		Symbol:         "BTCUSDT",
		Timeframe:      types.Timeframe1Min,
		InitialCapital: 1000,
		SizeMode:       SizeModePctEquity,
		SkipWarmup:     true,
		Execution: ExecConfig{
			Model:              ModelComplete,
			BuyKind:            types.OrderKindMarket,
			SellKind:           types.OrderKindMarket,
			PriceReference:     PriceReferenceClose,
			FeeBps:             10,
			LatencyBars:        0,
			TIF:                types.TimeInForceGTC,
			MaxFillPctOfVolume: 1.0,
			DecimalPrecision:   0,
		},
		Metrics: metrics.Config{Timeframe: types.Timeframe1Min, InitialCapital: 1000},
	}
}

func (suite *RunnerTestSuite) newRunner(cfg RunnerConfig, strat strategy.Strategy, bars []types.Bar) *Runner {
	pipeline := features.NewPipeline(
		features.Config{ReturnMode: features.ReturnModePct},
		bars,
		types.SentimentSeries{},
	)
	recorder := audit.NewRecorder(cfg.RunID, cfg.Symbol, suite.sink)

	return NewRunner(cfg, strat, pipeline, recorder, logger.NewNopLogger(), nil)
}

// S1: market buy-and-hold over five bars. The quantity rule is
// floor(cash / (exec_price * (1 + fee_bps/1e4))) at zero decimals.
func (suite *RunnerTestSuite) TestS1MarketBuyAndHold() {
	bars := barsWithCloses(100, 101, 102, 103, 104)
	strat := strategy.NewBuyAndHold(1.0, strategy.SizeModePctEquity)

	runner := suite.newRunner(suite.runnerConfig(), strat, bars)

	result, err := runner.Run(context.Background())
	suite.Require().NoError(err)
	suite.Equal(StatusOK, result.Status)

	suite.Require().Len(result.Trades, 1)
	trade := result.Trades[0]
	suite.Equal(types.SideBuy, trade.Side)
	// floor(1000 / (100 * 1.001)) = 9
	suite.InDelta(9.0, trade.Quantity, 1e-9)
	suite.InDelta(100.0, trade.Price, 1e-9)
	suite.InDelta(0.9, trade.Fee, 1e-9)

	// Cash after: 1000 - 9*100 - 0.9 = 99.1; equity at the last close.
	suite.Require().Len(result.EquityCurve, 5)
	last := result.EquityCurve[len(result.EquityCurve)-1]
	suite.InDelta(99.1+9*104, last.Equity, 1e-9)

	// Invariant 3: equity = cash + qty * close at every point.
	for i, point := range result.EquityCurve {
		suite.InDelta(point.Cash+point.PositionQty*bars[i].Close, point.Equity, 1e-9)
	}

	// Invariant 4: equity timestamps equal bar timestamps.
	for i, point := range result.EquityCurve {
		suite.Equal(bars[i].Timestamp, point.Timestamp)
	}
}

// S2 at the orchestrator level: latency 1 defers the fill to bar 1's open.
func (suite *RunnerTestSuite) TestS2LatencyOneBar() {
	bars := barsWithCloses(100, 105, 105)
	cfg := suite.runnerConfig()
	cfg.Execution.LatencyBars = 1

	runner := suite.newRunner(cfg, strategy.NewBuyAndHold(1.0, strategy.SizeModePctEquity), bars)

	result, err := runner.Run(context.Background())
	suite.Require().NoError(err)

	suite.Require().Len(result.Trades, 1)
	suite.Equal(int64(60), result.Trades[0].Timestamp)
	suite.InDelta(105.0, result.Trades[0].Price, 1e-9, "fills at bar1 open, not bar0")
}

// S6: a 30% drawdown halts trading; the run finishes as halted_risk and
// later actions never reach the order book.
func (suite *RunnerTestSuite) TestS6RiskHalt() {
	bars := barsWithCloses(100, 90, 80, 69, 69, 69)
	cfg := suite.runnerConfig()
	cfg.Execution.FeeBps = 0
	cfg.RiskLimits = types.RiskLimits{MaxDrawdownPct: 0.30}

	strat := &alwaysBuy{}
	runner := suite.newRunner(cfg, strat, bars)

	result, err := runner.Run(context.Background())
	suite.Require().NoError(err)
	suite.Equal(StatusHaltedRisk, result.Status)
	suite.True(result.Halted)

	// Bar 0 buys 10 @ 100; equity tracks the close and breaches 30% at 69.
	var haltEvents, callsAfterHalt int

	halted := false
	for _, event := range suite.sink.Events {
		if event.Stage == audit.StageRisk && event.Action == audit.ActionRiskHalt {
			haltEvents++
			halted = true
		}

		if halted && event.Stage == audit.StageOrder && event.Action == audit.ActionOrderScheduled {
			callsAfterHalt++
		}
	}

	suite.Equal(1, haltEvents, "halt fires exactly once")
	suite.Zero(callsAfterHalt, "no orders scheduled after the halt")

	// The strategy is not queried after the halt either.
	suite.Equal(4, strat.calls)
}

// Warmup bars degrade to HOLD without querying the strategy.
func (suite *RunnerTestSuite) TestSkipWarmupHoldsStrategy() {
	bars := barsWithCloses(100, 100, 100, 100, 100)
	cfg := suite.runnerConfig()

	strat := &alwaysBuy{}

	pipeline := features.NewPipeline(
		features.Config{ReturnMode: features.ReturnModePct, SMAWindows: []int{3}},
		bars,
		types.SentimentSeries{},
	)
	recorder := audit.NewRecorder(cfg.RunID, cfg.Symbol, suite.sink)
	runner := NewRunner(cfg, strat, pipeline, recorder, logger.NewNopLogger(), nil)

	result, err := runner.Run(context.Background())
	suite.Require().NoError(err)

	// SMA(3) becomes valid on bar 2 (index 2): three strategy calls.
	suite.Equal(3, strat.calls)
	suite.Len(result.EquityCurve, 5, "equity is recorded for warmup bars too")
}

// RSI window longer than the input yields HOLD throughout under skip_warmup.
func (suite *RunnerTestSuite) TestWarmupLongerThanInput() {
	bars := barsWithCloses(100, 101, 102)
	cfg := suite.runnerConfig()

	strat := &alwaysBuy{}

	pipeline := features.NewPipeline(
		features.Config{ReturnMode: features.ReturnModePct, RSIEnabled: true},
		bars,
		types.SentimentSeries{},
	)
	recorder := audit.NewRecorder(cfg.RunID, cfg.Symbol, suite.sink)
	runner := NewRunner(cfg, strat, pipeline, recorder, logger.NewNopLogger(), nil)

	result, err := runner.Run(context.Background())
	suite.Require().NoError(err)
	suite.Zero(strat.calls)
	suite.Empty(result.Trades)
	suite.Len(result.EquityCurve, 3)
}

// Dropped sentiment rows hold without a strategy call but still record equity.
func (suite *RunnerTestSuite) TestDropRowHolds() {
	bars := barsWithCloses(100, 100, 100)
	cfg := suite.runnerConfig()

	strat := &alwaysBuy{}

	sentiment := types.SentimentSeries{
		Schema: []string{"score"},
		Points: []types.SentimentPoint{{Timestamp: 60, Values: []float64{0.5}}},
	}
	pipeline := features.NewPipeline(features.Config{
		ReturnMode:       features.ReturnModePct,
		SentimentMissing: features.MissingDropRow,
	}, bars, sentiment)

	recorder := audit.NewRecorder(cfg.RunID, cfg.Symbol, suite.sink)
	runner := NewRunner(cfg, strat, pipeline, recorder, logger.NewNopLogger(), nil)

	result, err := runner.Run(context.Background())
	suite.Require().NoError(err)

	// Bar 0 is dropped (no sentiment yet); bars 1 and 2 are decided.
	suite.Equal(2, strat.calls)
	suite.Len(result.EquityCurve, 3)
}

// Boundary: a single-bar input yields zero trades, one equity point and
// zero-valued metrics (buy is scheduled but the engine cannot act before
// the strategy decision under latency 1).
func (suite *RunnerTestSuite) TestSingleBarInput() {
	bars := barsWithCloses(100)
	cfg := suite.runnerConfig()
	cfg.Execution.LatencyBars = 1

	runner := suite.newRunner(cfg, strategy.NewBuyAndHold(1.0, strategy.SizeModePctEquity), bars)

	result, err := runner.Run(context.Background())
	suite.Require().NoError(err)
	suite.Empty(result.Trades)
	suite.Len(result.EquityCurve, 1)
	suite.Zero(result.Summary.Sharpe)
	suite.Zero(result.Summary.NetProfit)
	suite.Zero(result.Summary.MaxDrawdown)
}

// Invariant 5: identical inputs produce identical trades and equity.
func (suite *RunnerTestSuite) TestDeterminism() {
	bars := barsWithCloses(100, 102, 101, 103, 99, 104, 100, 105)

	run := func() *Result {
		cfg := suite.runnerConfig()
		runner := suite.newRunner(cfg, strategy.NewSmaCrossover(2, 3, 1.0, strategy.SizeModePctEquity), bars)

		result, err := runner.Run(context.Background())
		suite.Require().NoError(err)

		return result
	}

	first := run()
	second := run()

	suite.Equal(first.Trades, second.Trades)
	suite.Equal(first.EquityCurve, second.EquityCurve)
	suite.Equal(first.Summary, second.Summary)
}

// A cancelled context stops between bars with the cancelled status.
func (suite *RunnerTestSuite) TestCancellation() {
	bars := barsWithCloses(100, 101, 102, 103)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := suite.newRunner(suite.runnerConfig(), strategy.NewBuyAndHold(1.0, strategy.SizeModePctEquity), bars)

	result, err := runner.Run(ctx)
	suite.Require().NoError(err)
	suite.Equal(StatusCancelled, result.Status)
	suite.Empty(result.EquityCurve)
}

// pct_equity sizes above 1.0 are rejected pre-trade, not clamped.
func (suite *RunnerTestSuite) TestPctEquityOutOfRangeRejected() {
	bars := barsWithCloses(100, 100)
	cfg := suite.runnerConfig()

	runner := suite.newRunner(cfg, strategy.NewBuyAndHold(1.5, strategy.SizeModePctEquity), bars)

	result, err := runner.Run(context.Background())
	suite.Require().NoError(err)
	suite.Empty(result.Trades)

	var rejected bool

	for _, event := range suite.sink.Events {
		if event.Stage == audit.StageOrder && event.Action == audit.ActionOrderRejected {
			rejected = true
			suite.Equal("pct_out_of_range", event.Error)
		}
	}

	suite.True(rejected)
}

// Exposure and position limits block orders before they reach the book.
func (suite *RunnerTestSuite) TestPreTradeRiskChecks() {
	bars := barsWithCloses(100, 100)
	cfg := suite.runnerConfig()
	cfg.RiskLimits = types.RiskLimits{MaxPositionQty: 5}

	runner := suite.newRunner(cfg, strategy.NewBuyAndHold(1.0, strategy.SizeModePctEquity), bars)

	result, err := runner.Run(context.Background())
	suite.Require().NoError(err)
	suite.Empty(result.Trades, "10 units exceeds the 5-unit position limit")
}
