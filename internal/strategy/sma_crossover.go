package strategy

import (
	"context"
	"math"

	"github.com/Marcux777/kairos-alloy/internal/features"
	"github.com/Marcux777/kairos-alloy/internal/portfolio"
	"github.com/Marcux777/kairos-alloy/internal/types"
)

// SmaCrossover buys when the fast SMA crosses above the slow SMA and
// exits the position on the opposite cross.
type SmaCrossover struct {
	fast     *features.RollingSMA
	slow     *features.RollingSMA
	buySize  float64
	sizeMode SizeMode
}

// NewSmaCrossover creates the crossover baseline. buySize follows the
// run's size mode.
func NewSmaCrossover(fastWindow, slowWindow int, buySize float64, sizeMode SizeMode) *SmaCrossover {
	return &SmaCrossover{
		fast:     features.NewRollingSMA(fastWindow),
		slow:     features.NewRollingSMA(slowWindow),
		buySize:  buySize,
		sizeMode: sizeMode,
	}
}

// Name implements Strategy.
func (s *SmaCrossover) Name() string {
	return "sma_crossover"
}

// OnBar implements Strategy.
func (s *SmaCrossover) OnBar(_ context.Context, bar types.Bar, _ features.Observation, view portfolio.View) (types.Action, error) {
	fast := s.fast.Update(bar.Close)
	slow := s.slow.Update(bar.Close)

	if math.IsNaN(fast) || math.IsNaN(slow) {
		return types.Hold(), nil
	}

	if fast > slow && view.PositionQty <= 0 {
		return types.Action{Type: types.ActionBuy, Size: s.buySize, Reason: "fast_above_slow"}, nil
	}

	if fast < slow && view.PositionQty > 0 {
		return types.Action{Type: types.ActionSell, Size: s.sellSize(view), Reason: "fast_below_slow"}, nil
	}

	return types.Hold(), nil
}

// sellSize exits the whole position in either size mode.
func (s *SmaCrossover) sellSize(view portfolio.View) float64 {
	if s.sizeMode == SizeModePctEquity {
		return 1.0
	}

	return view.PositionQty
}

// Reset implements Strategy.
func (s *SmaCrossover) Reset() {
	s.fast.Reset()
	s.slow.Reset()
}
