// Package metrics computes the run summary from the equity curve and
// trade stream. All reductions are single-pass and in bar order so that
// identical inputs always produce identical floats.
package metrics

import (
	"math"

	"github.com/Marcux777/kairos-alloy/internal/types"
)

// Config controls metric computation for a run.
type Config struct {
	// RiskFreeRate is subtracted from every per-bar return before the
	// Sharpe reduction.
	RiskFreeRate float64
	// AnnualizationFactor scales the Sharpe ratio. When zero it is
	// derived from bars/year for the run timeframe.
	AnnualizationFactor float64
	Timeframe           types.Timeframe
	InitialCapital      float64
}

// Summary is the metric block of summary.json.
type Summary struct {
	BarsProcessed int     `json:"bars_processed"`
	Trades        int     `json:"trades"`
	NetProfit     float64 `json:"net_profit"`
	Sharpe        float64 `json:"sharpe"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	WinRate       float64 `json:"win_rate"`
	Turnover      float64 `json:"turnover"`
}

// State accumulates equity points and trades as the run progresses. The
// peak/drawdown pair is tracked online because the risk halt check needs
// the current drawdown every bar.
type State struct {
	config      Config
	equityCurve []types.EquityPoint
	trades      []types.Trade
	peakEquity  float64
	maxDrawdown float64
}

// NewState creates an empty metrics accumulator.
func NewState(config Config) *State {
	return &State{
		config:      config,
		equityCurve: nil,
		trades:      nil,
		peakEquity:  0,
		maxDrawdown: 0,
	}
}

// RecordEquity appends one equity point and updates the running
// peak-to-trough drawdown.
func (s *State) RecordEquity(point types.EquityPoint) {
	if s.peakEquity == 0 || point.Equity > s.peakEquity {
		s.peakEquity = point.Equity
	} else if s.peakEquity > 0 {
		drawdown := (s.peakEquity - point.Equity) / s.peakEquity
		if drawdown > s.maxDrawdown {
			s.maxDrawdown = drawdown
		}
	}

	s.equityCurve = append(s.equityCurve, point)
}

// RecordTrade appends one fill.
func (s *State) RecordTrade(trade types.Trade) {
	s.trades = append(s.trades, trade)
}

// MaxDrawdown returns the current peak-to-trough drawdown fraction.
func (s *State) MaxDrawdown() float64 {
	return s.maxDrawdown
}

// EquityCurve returns the recorded curve in bar order.
func (s *State) EquityCurve() []types.EquityPoint {
	return s.equityCurve
}

// Trades returns the recorded fills in execution order.
func (s *State) Trades() []types.Trade {
	return s.trades
}

// Summary computes the final metric block.
func (s *State) Summary() Summary {
	return Summary{
		BarsProcessed: len(s.equityCurve),
		Trades:        len(s.trades),
		NetProfit:     s.netProfit(),
		Sharpe:        s.sharpe(),
		MaxDrawdown:   s.maxDrawdown,
		WinRate:       s.winRate(),
		Turnover:      s.turnover(),
	}
}

func (s *State) netProfit() float64 {
	if len(s.equityCurve) == 0 {
		return 0
	}

	return s.equityCurve[len(s.equityCurve)-1].Equity - s.config.InitialCapital
}

func (s *State) annualization() float64 {
	if s.config.AnnualizationFactor > 0 {
		return s.config.AnnualizationFactor
	}

	return s.config.Timeframe.BarsPerYear()
}

// sharpe is mean/std of the per-bar excess returns scaled by the square
// root of the annualization factor. Non-finite returns are excluded
// before the reductions; std is the sample standard deviation.
func (s *State) sharpe() float64 {
	if len(s.equityCurve) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(s.equityCurve)-1)

	for i := 1; i < len(s.equityCurve); i++ {
		prev := s.equityCurve[i-1].Equity
		curr := s.equityCurve[i].Equity

		if prev <= 0 {
			continue
		}

		r := curr/prev - 1 - s.config.RiskFreeRate
		if math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}

		returns = append(returns, r)
	}

	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}

	mean := sum / float64(len(returns))

	var sumSq float64
	for _, r := range returns {
		diff := r - mean
		sumSq += diff * diff
	}

	variance := sumSq / float64(len(returns)-1)

	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}

	scale := s.annualization()
	if scale <= 0 {
		scale = float64(len(returns))
	}

	return mean / std * math.Sqrt(scale)
}

// winRate is the fraction of SELL fills whose realized PnL (streaming
// average-cost basis, BUY fees folded into cost) is positive.
func (s *State) winRate() float64 {
	var (
		positionQty float64
		avgCost     float64
		wins        int
		total       int
	)

	for _, trade := range s.trades {
		if trade.Quantity <= 0 || !finite(trade.Quantity) || trade.Price <= 0 || !finite(trade.Price) {
			continue
		}

		if trade.Fee < 0 || !finite(trade.Fee) {
			continue
		}

		switch trade.Side {
		case types.SideBuy:
			cost := trade.Quantity*trade.Price + trade.Fee
			newQty := positionQty + trade.Quantity

			if newQty > 0 && finite(cost) {
				avgCost = (avgCost*positionQty + cost) / newQty
				positionQty = newQty
			}
		case types.SideSell:
			if positionQty <= 0 {
				continue
			}

			sellQty := math.Min(trade.Quantity, positionQty)
			proceeds := sellQty*trade.Price - trade.Fee
			pnl := proceeds - sellQty*avgCost

			total++
			if pnl > 0 {
				wins++
			}

			positionQty -= sellQty
			if positionQty <= 0 {
				positionQty = 0
				avgCost = 0
			}
		}
	}

	if total == 0 {
		return 0
	}

	return float64(wins) / float64(total)
}

// turnover is cumulative traded notional over initial capital.
func (s *State) turnover() float64 {
	if s.config.InitialCapital <= 0 {
		return 0
	}

	var notional float64
	for _, trade := range s.trades {
		if !finite(trade.Quantity) || !finite(trade.Price) {
			continue
		}

		notional += math.Abs(trade.Quantity * trade.Price)
	}

	return notional / s.config.InitialCapital
}

// RoundSig rounds v to n significant figures. The summary writer uses it
// so golden artifacts do not diff on float noise.
func RoundSig(v float64, n int) float64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) || n <= 0 {
		return v
	}

	magnitude := math.Ceil(math.Log10(math.Abs(v)))
	power := float64(n) - magnitude
	scale := math.Pow(10, power)

	return math.Round(v*scale) / scale
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
