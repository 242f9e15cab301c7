package backtest

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/Marcux777/kairos-alloy/internal/audit"
	"github.com/Marcux777/kairos-alloy/internal/features"
	"github.com/Marcux777/kairos-alloy/internal/logger"
	"github.com/Marcux777/kairos-alloy/internal/metrics"
	"github.com/Marcux777/kairos-alloy/internal/portfolio"
	"github.com/Marcux777/kairos-alloy/internal/strategy"
	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/internal/utils"
)

// Status is the terminal state of a run, written to summary.json.
type Status string

const (
	StatusOK             Status = "ok"
	StatusHaltedRisk     Status = "halted_risk"
	StatusCancelled      Status = "cancelled"
	StatusAbortedData    Status = "aborted_data"
	StatusAbortedConfig  Status = "aborted_config"
	StatusAbortedRuntime Status = "aborted_runtime"
)

// SizeMode mirrors orders.size_mode.
type SizeMode string

const (
	SizeModeQty       SizeMode = "qty"
	SizeModePctEquity SizeMode = "pct_equity"
)

// RejectReason values used in order reject audit events.
const (
	rejectNonPositiveSize  = "non_positive_size"
	rejectQtyNonPositive   = "resolved_qty_non_positive"
	rejectPctOutOfRange    = "pct_out_of_range"
	rejectNoPosition       = "no_position"
	rejectPositionReserved = "position_reserved"
	rejectInsufficientCash = "insufficient_cash"
	rejectPositionLimit    = "position_limit"
	rejectExposureLimit    = "exposure_limit"
	rejectRefPrice         = "ref_price_not_positive"
	rejectEquity           = "equity_not_positive"
	rejectSizeNotFinite    = "size_not_finite"
)

// RunnerConfig bundles the orchestration parameters of one run.
type RunnerConfig struct {
	RunID          string
	Symbol         string
	Timeframe      types.Timeframe
	InitialCapital float64
	SizeMode       SizeMode
	SkipWarmup     bool
	RiskLimits     types.RiskLimits
	Execution      ExecConfig
	Metrics        metrics.Config
}

// Result is everything a finished run produces besides artifacts.
type Result struct {
	Status      Status
	Summary     metrics.Summary
	Trades      []types.Trade
	EquityCurve []types.EquityPoint
	Halted      bool
}

// ProgressFunc is invoked after each bar with (current, total).
type ProgressFunc func(current, total int)

// Runner drives the deterministic per-bar event loop:
//
//  1. the execution engine processes the bar against open orders,
//  2. the feature pipeline emits the observation,
//  3. the strategy is queried exactly once with the post-fill snapshot,
//  4. the action passes pre-trade risk checks and is scheduled,
//  5. equity is recorded at the bar close,
//  6. buffered audit events are flushed in emission order.
//
// The loop is single-threaded; any parallelism across bars would break
// the causal invariants.
type Runner struct {
	config   RunnerConfig
	strategy strategy.Strategy
	pipeline *features.Pipeline
	engine   *Engine
	pf       *portfolio.Portfolio
	metrics  *metrics.State
	recorder *audit.Recorder
	log      *logger.Logger
	progress ProgressFunc

	barIndex uint64
	halted   bool
}

// NewRunner wires a run together. recorder must share the sink with the
// artifact writers so logs.jsonl sees every event.
func NewRunner(
	cfg RunnerConfig,
	strat strategy.Strategy,
	pipeline *features.Pipeline,
	recorder *audit.Recorder,
	log *logger.Logger,
	progress ProgressFunc,
) *Runner {
	return &Runner{
		config:   cfg,
		strategy: strat,
		pipeline: pipeline,
		engine:   NewEngine(cfg.Execution, cfg.Symbol, strat.Name(), recorder),
		pf:       portfolio.New(cfg.InitialCapital),
		metrics:  metrics.NewState(cfg.Metrics),
		recorder: recorder,
		log:      log,
		progress: progress,
	}
}

// Run executes the bar loop to completion, risk halt included. A
// cancelled context stops between bars with StatusCancelled. A non-nil
// error is returned for invariant violations, fatal agent errors,
// feature pipeline errors (missing sentiment under the error policy)
// and failures to write a bar's audit events to the sink.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	total := r.pipeline.Len()

	r.recorder.Record(0, audit.StageEngine, audit.ActionRunStart, "", map[string]any{
		"strategy":        r.strategy.Name(),
		"size_mode":       string(r.config.SizeMode),
		"initial_capital": r.config.InitialCapital,
		"timeframe":       string(r.config.Timeframe),
		"execution": map[string]any{
			"model":                  string(r.config.Execution.Model),
			"latency_bars":           r.config.Execution.LatencyBars,
			"tif":                    string(r.config.Execution.TIF),
			"max_fill_pct_of_volume": r.config.Execution.MaxFillPctOfVolume,
			"spread_bps":             r.config.Execution.SpreadBps,
			"slippage_bps":           r.config.Execution.SlippageBps,
			"fee_bps":                r.config.Execution.FeeBps,
		},
	})

	status := StatusOK

	for {
		if ctx.Err() != nil {
			status = StatusCancelled

			break
		}

		step, ok, err := r.pipeline.Next()
		if err != nil {
			r.flushQuietly()

			return nil, err
		}

		if !ok {
			break
		}

		if err := r.processBar(ctx, step); err != nil {
			r.flushQuietly()

			return nil, err
		}

		r.barIndex++

		if r.progress != nil {
			r.progress(int(r.barIndex), total)
		}
	}

	if r.halted && status == StatusOK {
		status = StatusHaltedRisk
	}

	summary := r.metrics.Summary()

	r.recorder.Record(0, audit.StageEngine, audit.ActionRunComplete, "", map[string]any{
		"bars_processed": summary.BarsProcessed,
		"trades":         summary.Trades,
		"net_profit":     summary.NetProfit,
		"sharpe":         summary.Sharpe,
		"max_drawdown":   summary.MaxDrawdown,
		"halted":         r.halted,
		"status":         string(status),
	})

	if err := r.recorder.Flush(); err != nil {
		r.log.Warn("failed to flush audit events", zap.Error(err))
	}

	return &Result{
		Status:      status,
		Summary:     summary,
		Trades:      r.metrics.Trades(),
		EquityCurve: r.metrics.EquityCurve(),
		Halted:      r.halted,
	}, nil
}

func (r *Runner) processBar(ctx context.Context, step features.Step) error {
	bar := step.Bar
	t := r.barIndex

	// Step 1: resolve open orders against this bar.
	trades, err := r.engine.ProcessBar(t, bar, r.pf)
	if err != nil {
		return err
	}

	for _, trade := range trades {
		r.metrics.RecordTrade(trade)
	}

	// Step 2: post-fill snapshot for the strategy.
	view := r.pf.View(bar.Close)

	// Step 3: exactly one strategy decision per bar. Warmup, dropped
	// rows and the risk halt all degrade to HOLD without a call.
	action := types.Hold()

	switch {
	case r.halted:
	case step.Dropped:
	case r.config.SkipWarmup && !step.Observation.Valid:
	default:
		action, err = r.strategy.OnBar(ctx, bar, step.Observation, view)
		if err != nil {
			return err
		}
	}

	// Step 4: pre-trade risk checks, sizing, scheduling.
	if action.Type != types.ActionHold {
		scheduleTrades, err := r.scheduleAction(t, bar, action)
		if err != nil {
			return err
		}

		for _, trade := range scheduleTrades {
			r.metrics.RecordTrade(trade)
		}
	}

	// Step 5: equity at the bar close.
	point := types.EquityPoint{
		Timestamp:     bar.Timestamp,
		Equity:        r.pf.Equity(bar.Close),
		Cash:          r.pf.Cash(),
		PositionQty:   r.pf.PositionQty(),
		UnrealizedPnl: r.pf.UnrealizedPnl(bar.Close),
		RealizedPnl:   r.pf.RealizedPnl(),
	}
	r.metrics.RecordEquity(point)

	r.recorder.Record(bar.Timestamp, audit.StageEquity, audit.ActionEquityRecorded, "", map[string]any{
		"equity":       point.Equity,
		"cash":         point.Cash,
		"position_qty": point.PositionQty,
	})

	if !r.halted && !r.config.RiskLimits.AllowsDrawdown(r.metrics.MaxDrawdown()) {
		r.halted = true

		r.recorder.Record(bar.Timestamp, audit.StageRisk, audit.ActionRiskHalt, "", map[string]any{
			"drawdown_pct":     r.metrics.MaxDrawdown(),
			"max_drawdown_pct": r.config.RiskLimits.MaxDrawdownPct,
		})
	}

	// Step 6: flush this bar's events in emission order.
	return r.recorder.Flush()
}

// scheduleAction resolves the action size, runs pre-trade risk checks
// and hands the order to the execution engine.
func (r *Runner) scheduleAction(t uint64, bar types.Bar, action types.Action) ([]types.Trade, error) {
	side := types.SideBuy
	if action.Type == types.ActionSell {
		side = types.SideSell
	}

	if action.Size <= 0 || math.IsNaN(action.Size) {
		r.rejectOrder(bar, action, rejectNonPositiveSize)

		return nil, nil
	}

	if math.IsInf(action.Size, 0) {
		r.rejectOrder(bar, action, rejectSizeNotFinite)

		return nil, nil
	}

	qty, reject := r.resolveQuantity(bar, side, action.Size)
	if reject != "" {
		r.rejectOrder(bar, action, reject)

		return nil, nil
	}

	if side == types.SideBuy {
		if r.pf.Cash() <= 0 {
			r.rejectOrder(bar, action, rejectInsufficientCash)

			return nil, nil
		}

		if !r.config.RiskLimits.AllowsPosition(r.pf.PositionQty(), qty) {
			r.rejectOrder(bar, action, rejectPositionLimit)

			return nil, nil
		}

		nextExposure := (r.pf.PositionQty() + qty) * bar.Close
		if !r.config.RiskLimits.AllowsExposure(r.pf.Equity(bar.Close), nextExposure) {
			r.rejectOrder(bar, action, rejectExposureLimit)

			return nil, nil
		}
	}

	refPrice := bar.Close
	if r.config.Execution.PriceReference == PriceReferenceOpen {
		refPrice = bar.Open
	}

	if refPrice <= 0 || math.IsNaN(refPrice) || math.IsInf(refPrice, 0) {
		r.rejectOrder(bar, action, rejectRefPrice)

		return nil, nil
	}

	_, trades, err := r.engine.Schedule(t, bar, side, qty, r.pf)

	return trades, err
}

// resolveQuantity converts the action size into base units under the
// run's size mode. Returns a reject reason when the order must not be
// scheduled.
func (r *Runner) resolveQuantity(bar types.Bar, side types.Side, size float64) (float64, string) {
	var qty float64

	switch r.config.SizeMode {
	case SizeModePctEquity:
		if size < 0 || size > 1 {
			return 0, rejectPctOutOfRange
		}

		equity := r.pf.Equity(bar.Close)
		if equity <= 0 || !finite(equity) {
			return 0, rejectEquity
		}

		if side == types.SideBuy {
			if bar.Close <= 0 {
				return 0, rejectRefPrice
			}

			qty = equity * size / bar.Close
		} else {
			qty = r.pf.PositionQty() * size
		}

	default:
		qty = size
	}

	if side == types.SideSell {
		if r.pf.PositionQty() <= 0 {
			return 0, rejectNoPosition
		}

		available := r.pf.PositionQty() - r.engine.ReservedSellQty()
		if available <= 0 {
			return 0, rejectPositionReserved
		}

		qty = math.Min(qty, available)
	}

	qty = utils.RoundToDecimalPrecision(qty, r.config.Execution.DecimalPrecision)
	if qty <= 0 {
		return 0, rejectQtyNonPositive
	}

	return qty, ""
}

func (r *Runner) rejectOrder(bar types.Bar, action types.Action, reason string) {
	r.recorder.Record(bar.Timestamp, audit.StageOrder, audit.ActionOrderRejected, reason, map[string]any{
		"action_type":    string(action.Type),
		"requested_size": action.Size,
		"size_mode":      string(r.config.SizeMode),
		"strategy_id":    r.strategy.Name(),
	})
}

func (r *Runner) flushQuietly() {
	if err := r.recorder.Flush(); err != nil {
		r.log.Warn("failed to flush audit events", zap.Error(err))
	}
}
