package strategy

import (
	"context"

	"github.com/Marcux777/kairos-alloy/internal/features"
	"github.com/Marcux777/kairos-alloy/internal/portfolio"
	"github.com/Marcux777/kairos-alloy/internal/types"
)

// BuyAndHold buys once on the first bar it acts on and then holds.
type BuyAndHold struct {
	size      float64
	sizeMode  SizeMode
	hasBought bool
}

// NewBuyAndHold creates the baseline. size follows the run's size mode:
// a quantity under qty, a fraction of equity under pct_equity.
func NewBuyAndHold(size float64, sizeMode SizeMode) *BuyAndHold {
	return &BuyAndHold{
		size:     size,
		sizeMode: sizeMode,
	}
}

// Name implements Strategy.
func (s *BuyAndHold) Name() string {
	return "buy_and_hold"
}

// OnBar implements Strategy.
func (s *BuyAndHold) OnBar(_ context.Context, _ types.Bar, _ features.Observation, _ portfolio.View) (types.Action, error) {
	if s.hasBought {
		return types.Hold(), nil
	}

	s.hasBought = true

	return types.Action{Type: types.ActionBuy, Size: s.size, Reason: "initial_entry"}, nil
}

// Reset implements Strategy.
func (s *BuyAndHold) Reset() {
	s.hasBought = false
}
