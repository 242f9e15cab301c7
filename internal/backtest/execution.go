package backtest

import (
	"math"

	"github.com/moznion/go-optional"

	"github.com/Marcux777/kairos-alloy/internal/audit"
	"github.com/Marcux777/kairos-alloy/internal/portfolio"
	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/internal/utils"
)

// Model selects the execution fidelity.
type Model string

const (
	// ModelSimple fills against infinite liquidity and keeps at most one
	// outstanding order: a new submission replaces the previous one.
	ModelSimple Model = "simple"
	// ModelComplete keeps an order book with TIF, latency and volume caps.
	ModelComplete Model = "complete"
)

// PriceReference selects the bar price limit/stop offsets anchor to.
type PriceReference string

const (
	PriceReferenceClose PriceReference = "close"
	PriceReferenceOpen  PriceReference = "open"
)

// ExecConfig is the frozen execution configuration of a run.
type ExecConfig struct {
	Model              Model
	BuyKind            types.OrderKind
	SellKind           types.OrderKind
	PriceReference     PriceReference
	LimitOffsetBps     float64
	StopOffsetBps      float64
	SpreadBps          float64
	SlippageBps        float64
	FeeBps             float64
	LatencyBars        uint64
	TIF                types.TimeInForce
	ExpireAfterBars    uint64
	MaxFillPctOfVolume float64
	DecimalPrecision   int
}

// Engine owns the order lifecycle: scheduling, latency activation,
// fills, TIF resolution and expiry. It mutates the portfolio only inside
// ProcessBar/Schedule, which the orchestrator calls once per bar.
type Engine struct {
	config     ExecConfig
	symbol     string
	strategyID string
	recorder   *audit.Recorder

	// open holds scheduled and active orders in submission order.
	open        []*types.Order
	nextOrderID uint64

	// per-bar liquidity budget, shared by all fills on the current bar.
	currentBar         uint64
	remainingLiquidity float64

	trades []types.Trade
}

// NewEngine creates an execution engine for one run.
func NewEngine(config ExecConfig, symbol, strategyID string, recorder *audit.Recorder) *Engine {
	return &Engine{
		config:      config,
		symbol:      symbol,
		strategyID:  strategyID,
		recorder:    recorder,
		open:        nil,
		nextOrderID: 0,
	}
}

// OpenOrders returns the number of live orders.
func (e *Engine) OpenOrders() int {
	return len(e.open)
}

// ReservedSellQty is the quantity already committed to open SELL orders.
// The orchestrator subtracts it when sizing new sells so the position is
// never promised twice.
func (e *Engine) ReservedSellQty() float64 {
	var reserved float64

	for _, order := range e.open {
		if order.Side == types.SideSell {
			reserved += order.Quantity
		}
	}

	return reserved
}

// ProcessBar advances the order book to bar index t: expires stale
// orders, activates scheduled ones, attempts fills against the bar under
// the cost model and caps, and resolves TIF. Fills are applied to the
// portfolio; the produced trades are returned in execution order.
func (e *Engine) ProcessBar(t uint64, bar types.Bar, pf *portfolio.Portfolio) ([]types.Trade, error) {
	e.currentBar = t
	e.remainingLiquidity = e.liquidityCap(bar)
	e.trades = e.trades[:0]

	kept := e.open[:0]

	for _, order := range e.open {
		keep, err := e.stepOrder(order, t, bar, pf)
		if err != nil {
			return nil, err
		}

		if keep {
			kept = append(kept, order)
		}
	}

	e.open = kept

	return append([]types.Trade(nil), e.trades...), nil
}

// stepOrder advances one order on bar t. Returns whether the order stays
// in the book.
func (e *Engine) stepOrder(order *types.Order, t uint64, bar types.Bar, pf *portfolio.Portfolio) (bool, error) {
	if expires, err := order.ExpiresBar.Take(); err == nil && t > expires {
		e.recordOrderEvent(bar.Timestamp, audit.ActionOrderExpired, types.CancelReasonExpired, order, nil)

		return false, nil
	}

	if t < order.ActivationBar {
		return true, nil
	}

	if t == order.ActivationBar {
		e.recordOrderEvent(bar.Timestamp, audit.ActionOrderActivated, "", order, nil)
	}

	return e.tryFill(order, t, bar, pf)
}

// tryFill attempts to fill an active order against the bar. Returns
// whether the order stays in the book.
func (e *Engine) tryFill(order *types.Order, t uint64, bar types.Bar, pf *portfolio.Portfolio) (bool, error) {
	firstActive := t == order.ActivationBar

	rawPrice, priceReason, triggered := rawFillPrice(bar, order)
	if !triggered {
		// Condition not reached within this bar.
		if firstActive && (order.TIF == types.TimeInForceIOC || order.TIF == types.TimeInForceFOK) {
			reason := types.CancelReasonIOC
			if order.TIF == types.TimeInForceFOK {
				reason = types.CancelReasonFOK
			}

			e.recordOrderEvent(bar.Timestamp, audit.ActionOrderCanceled, reason, order, map[string]any{
				"cause": "not_triggered",
			})

			return false, nil
		}

		return true, nil
	}

	if rawPrice <= 0 || !finite(rawPrice) {
		e.recordOrderEvent(bar.Timestamp, audit.ActionOrderCanceled, types.CancelReasonInvalidPrice, order, map[string]any{
			"raw_price": rawPrice,
		})

		return false, nil
	}

	feeRate := e.config.FeeBps / 10_000.0
	impactBps := e.config.SpreadBps/2 + e.config.SlippageBps

	var execPrice float64
	if order.Side == types.SideBuy {
		execPrice = rawPrice * (1 + impactBps/10_000.0)
	} else {
		execPrice = rawPrice * (1 - impactBps/10_000.0)
	}

	if execPrice <= 0 || !finite(execPrice) {
		e.recordOrderEvent(bar.Timestamp, audit.ActionOrderCanceled, types.CancelReasonInvalidPrice, order, map[string]any{
			"raw_price":  rawPrice,
			"exec_price": execPrice,
		})

		return false, nil
	}

	desired := order.Quantity
	if !math.IsInf(e.remainingLiquidity, 1) {
		desired = math.Min(desired, math.Max(e.remainingLiquidity, 0))
	}

	maxByCash := math.Inf(1)
	if order.Side == types.SideBuy {
		maxByCash = utils.MaxAffordableQty(pf.Cash(), execPrice, feeRate)
	}

	// FOK requires the whole remaining quantity in one bar; anything less
	// cancels the order with no state change.
	if order.TIF == types.TimeInForceFOK && firstActive {
		fillableAll := desired+1e-12 >= order.Quantity &&
			(order.Side != types.SideBuy || maxByCash+1e-12 >= order.Quantity)
		if !fillableAll {
			e.recordOrderEvent(bar.Timestamp, audit.ActionOrderCanceled, types.CancelReasonFOK, order, map[string]any{
				"max_qty_by_liquidity": desired,
				"max_qty_by_cash":      maxByCash,
			})

			return false, nil
		}
	}

	fillQty := math.Min(desired, maxByCash)
	fillQty = utils.RoundToDecimalPrecision(math.Max(fillQty, 0), e.config.DecimalPrecision)

	if fillQty <= 0 || !finite(fillQty) {
		if firstActive && order.TIF == types.TimeInForceIOC {
			e.recordOrderEvent(bar.Timestamp, audit.ActionOrderCanceled, types.CancelReasonIOC, order, map[string]any{
				"cause": "no_fill_qty",
			})

			return false, nil
		}

		return true, nil
	}

	fee := execPrice * fillQty * feeRate
	slippageCost := math.Abs(execPrice-rawPrice) * fillQty

	if err := pf.ApplyFill(order.Side, fillQty, execPrice, fee); err != nil {
		return false, err
	}

	trade := types.Trade{
		Timestamp:  bar.Timestamp,
		Symbol:     e.symbol,
		Side:       order.Side,
		Quantity:   fillQty,
		Price:      execPrice,
		Fee:        fee,
		Slippage:   slippageCost,
		StrategyID: order.StrategyID,
		Reason:     order.Reason,
	}
	e.trades = append(e.trades, trade)

	if !math.IsInf(e.remainingLiquidity, 1) {
		e.remainingLiquidity = math.Max(e.remainingLiquidity-fillQty, 0)
	}

	wasPartial := fillQty+1e-12 < order.Quantity
	order.Quantity = math.Max(order.Quantity-fillQty, 0)

	e.recorder.Record(bar.Timestamp, audit.StageTrade, string(order.Side), "", map[string]any{
		"order_id":     order.ID,
		"kind":         string(order.Kind),
		"qty":          fillQty,
		"price":        execPrice,
		"raw_price":    rawPrice,
		"price_reason": priceReason,
		"fee":          fee,
		"slippage":     slippageCost,
		"tif":          string(order.TIF),
		"strategy_id":  order.StrategyID,
	})

	if wasPartial {
		e.recordOrderEvent(bar.Timestamp, audit.ActionOrderPartial, "", order, map[string]any{
			"filled_qty": fillQty,
		})
	} else {
		e.recordOrderEvent(bar.Timestamp, audit.ActionOrderFilled, "", order, map[string]any{
			"filled_qty": fillQty,
		})
	}

	// IOC never survives its first active bar.
	if order.TIF == types.TimeInForceIOC && firstActive {
		if order.Quantity > 0 {
			e.recordOrderEvent(bar.Timestamp, audit.ActionOrderCanceled, types.CancelReasonIOCPartial, order, nil)
		}

		return false, nil
	}

	return order.Quantity > 0, nil
}

// Schedule creates an order for the action resolved by the orchestrator
// and, when the latency is zero, attempts an immediate fill against the
// current bar. Returns the scheduled order.
func (e *Engine) Schedule(t uint64, bar types.Bar, side types.Side, qty float64, pf *portfolio.Portfolio) (*types.Order, []types.Trade, error) {
	kind := e.config.BuyKind
	if side == types.SideSell {
		kind = e.config.SellKind
	}

	refPrice := bar.Close
	if e.config.PriceReference == PriceReferenceOpen {
		refPrice = bar.Open
	}

	limitPrice := optional.None[float64]()
	stopPrice := optional.None[float64]()

	switch kind {
	case types.OrderKindLimit:
		// BUY limit sits below the reference, SELL limit above.
		if side == types.SideBuy {
			limitPrice = optional.Some(refPrice * (1 - e.config.LimitOffsetBps/10_000.0))
		} else {
			limitPrice = optional.Some(refPrice * (1 + e.config.LimitOffsetBps/10_000.0))
		}
	case types.OrderKindStop:
		// BUY stop sits above the reference, SELL stop below.
		if side == types.SideBuy {
			stopPrice = optional.Some(refPrice * (1 + e.config.StopOffsetBps/10_000.0))
		} else {
			stopPrice = optional.Some(refPrice * (1 - e.config.StopOffsetBps/10_000.0))
		}
	}

	activation := t + e.config.LatencyBars

	expires := optional.None[uint64]()
	if e.config.ExpireAfterBars > 0 {
		expires = optional.Some(activation + e.config.ExpireAfterBars - 1)
	}

	// The simple model keeps a single outstanding order.
	if e.config.Model == ModelSimple {
		for _, stale := range e.open {
			e.recordOrderEvent(bar.Timestamp, audit.ActionOrderCanceled, types.CancelReasonReplaced, stale, nil)
		}

		e.open = e.open[:0]
	}

	e.nextOrderID++
	order := &types.Order{
		ID:              e.nextOrderID,
		Side:            side,
		Kind:            kind,
		Quantity:        qty,
		InitialQuantity: qty,
		LimitPrice:      limitPrice,
		StopPrice:       stopPrice,
		SubmittedBar:    t,
		ActivationBar:   activation,
		ExpiresBar:      expires,
		TIF:             e.config.TIF,
		StrategyID:      e.strategyID,
		Reason:          "strategy",
	}

	e.recordOrderEvent(bar.Timestamp, audit.ActionOrderScheduled, "", order, map[string]any{
		"ref_price":   refPrice,
		"limit_price": optionalFloat(order.LimitPrice),
		"stop_price":  optionalFloat(order.StopPrice),
	})

	e.open = append(e.open, order)

	// Zero latency: the order is active on its submission bar and may
	// fill right away. ProcessBar already ran for this bar, so the fill
	// attempt happens here, against the same bar and liquidity budget.
	var trades []types.Trade

	if activation == t && e.currentBar == t {
		e.trades = e.trades[:0]

		e.recordOrderEvent(bar.Timestamp, audit.ActionOrderActivated, "", order, nil)

		keep, err := e.tryFill(order, t, bar, pf)
		if err != nil {
			return order, nil, err
		}

		if !keep {
			e.open = e.open[:len(e.open)-1]
		}

		trades = append(trades, e.trades...)
	}

	return order, trades, nil
}

// liquidityCap is the per-bar fill budget in base units.
func (e *Engine) liquidityCap(bar types.Bar) float64 {
	if e.config.Model == ModelSimple {
		return math.Inf(1)
	}

	if bar.Volume <= 0 || !finite(bar.Volume) {
		return 0
	}

	pct := e.config.MaxFillPctOfVolume
	if pct <= 0 || !finite(pct) {
		return 0
	}

	return bar.Volume * math.Min(pct, 1)
}

// rawFillPrice evaluates the OHLC fill rules. The boolean is false when
// the order's condition is not reached within the bar.
func rawFillPrice(bar types.Bar, order *types.Order) (float64, string, bool) {
	switch order.Kind {
	case types.OrderKindMarket:
		return bar.Open, "open", true

	case types.OrderKindLimit:
		limit, err := order.LimitPrice.Take()
		if err != nil {
			return 0, "", false
		}

		if order.Side == types.SideBuy {
			if bar.Low <= limit {
				if bar.Open <= limit {
					return bar.Open, "open<=limit", true
				}

				return limit, "touch_limit", true
			}

			return 0, "", false
		}

		if bar.High >= limit {
			if bar.Open >= limit {
				return bar.Open, "open>=limit", true
			}

			return limit, "touch_limit", true
		}

		return 0, "", false

	case types.OrderKindStop:
		stop, err := order.StopPrice.Take()
		if err != nil {
			return 0, "", false
		}

		if order.Side == types.SideBuy {
			if bar.High >= stop {
				if bar.Open >= stop {
					return bar.Open, "open>=stop", true
				}

				return stop, "touch_stop", true
			}

			return 0, "", false
		}

		if bar.Low <= stop {
			if bar.Open <= stop {
				return bar.Open, "open<=stop", true
			}

			return stop, "touch_stop", true
		}

		return 0, "", false
	}

	return 0, "", false
}

func (e *Engine) recordOrderEvent(timestamp int64, action, errText string, order *types.Order, extra map[string]any) {
	details := map[string]any{
		"order_id":       order.ID,
		"side":           string(order.Side),
		"kind":           string(order.Kind),
		"remaining_qty":  order.Quantity,
		"submitted_bar":  order.SubmittedBar,
		"activation_bar": order.ActivationBar,
		"tif":            string(order.TIF),
	}

	for k, v := range extra {
		details[k] = v
	}

	e.recorder.Record(timestamp, audit.StageOrder, action, errText, details)
}

func optionalFloat(v optional.Option[float64]) any {
	if value, err := v.Take(); err == nil {
		return value
	}

	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
