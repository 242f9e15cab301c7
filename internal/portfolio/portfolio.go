package portfolio

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// epsilon tolerated on the non-negativity invariants to absorb float
// rounding at the fill boundary.
const epsilon = 1e-9

// Portfolio is the cash + single-asset position aggregate. It is owned by
// the run; the execution engine mutates it only through ApplyFill, and
// strategies see read-only snapshots via View.
type Portfolio struct {
	cash             float64
	positionQty      float64
	positionAvgPrice float64
	realizedPnl      float64
}

// View is the read-only snapshot handed to strategies and the agent.
type View struct {
	Cash             float64 `json:"cash"`
	PositionQty      float64 `json:"position_qty"`
	PositionAvgPrice float64 `json:"position_avg_price"`
	Equity           float64 `json:"equity"`
	RealizedPnl      float64 `json:"realized_pnl"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
}

// New creates a portfolio holding only cash.
func New(initialCash float64) *Portfolio {
	return &Portfolio{
		cash:             initialCash,
		positionQty:      0,
		positionAvgPrice: 0,
		realizedPnl:      0,
	}
}

func (p *Portfolio) Cash() float64 {
	return p.cash
}

func (p *Portfolio) PositionQty() float64 {
	return p.positionQty
}

// PositionAvgPrice is the average entry price including BUY fees. Zero
// when flat.
func (p *Portfolio) PositionAvgPrice() float64 {
	return p.positionAvgPrice
}

func (p *Portfolio) RealizedPnl() float64 {
	return p.realizedPnl
}

// Equity marks the portfolio at the given price.
func (p *Portfolio) Equity(mark float64) float64 {
	return p.cash + p.positionQty*mark
}

// UnrealizedPnl is the open-position PnL at the given mark.
func (p *Portfolio) UnrealizedPnl(mark float64) float64 {
	if p.positionQty <= 0 {
		return 0
	}

	return p.positionQty * (mark - p.positionAvgPrice)
}

// View snapshots the portfolio at the given mark price.
func (p *Portfolio) View(mark float64) View {
	return View{
		Cash:             p.cash,
		PositionQty:      p.positionQty,
		PositionAvgPrice: p.positionAvgPrice,
		Equity:           p.Equity(mark),
		RealizedPnl:      p.realizedPnl,
		UnrealizedPnl:    p.UnrealizedPnl(mark),
	}
}

// ApplyFill applies one fill to the aggregate. BUY fees are folded into
// the cost basis; SELL fees reduce realized PnL and proceeds. Returns an
// InvariantViolation error when the update breaks the aggregate's
// invariants, which indicates a bug in the caller.
func (p *Portfolio) ApplyFill(side types.Side, qty, price, fee float64) error {
	if qty <= 0 || !isFinite(qty) || !isFinite(price) || !isFinite(fee) {
		return errors.Newf(errors.ErrCodeInvariantViolation,
			"apply_fill called with invalid args: qty=%v price=%v fee=%v", qty, price, fee)
	}

	qtyDec := decimal.NewFromFloat(qty)
	priceDec := decimal.NewFromFloat(price)
	feeDec := decimal.NewFromFloat(fee)

	switch side {
	case types.SideBuy:
		cost := priceDec.Mul(qtyDec).Add(feeDec)

		newQty := p.positionQty + qty
		weighted := decimal.NewFromFloat(p.positionAvgPrice).
			Mul(decimal.NewFromFloat(p.positionQty)).
			Add(cost)
		avg, _ := weighted.Div(decimal.NewFromFloat(newQty)).Float64()

		costF, _ := cost.Float64()
		p.cash -= costF
		p.positionQty = newQty
		p.positionAvgPrice = avg

		// Absorb float dust from the cash cap at the fill boundary.
		if p.cash < 0 && p.cash > -epsilon {
			p.cash = 0
		}

	case types.SideSell:
		if qty > p.positionQty+epsilon {
			return errors.Newf(errors.ErrCodeInvariantViolation,
				"sell qty %v exceeds position %v", qty, p.positionQty)
		}

		sellQty := math.Min(qty, p.positionQty)
		sellDec := decimal.NewFromFloat(sellQty)

		proceeds, _ := priceDec.Mul(sellDec).Sub(feeDec).Float64()
		pnl, _ := priceDec.Sub(decimal.NewFromFloat(p.positionAvgPrice)).
			Mul(sellDec).Sub(feeDec).Float64()

		p.cash += proceeds
		p.realizedPnl += pnl
		p.positionQty -= sellQty

		if p.positionQty <= epsilon {
			p.positionQty = 0
			p.positionAvgPrice = 0
		}

	default:
		return errors.Newf(errors.ErrCodeInvariantViolation, "apply_fill called with side %q", side)
	}

	return p.checkInvariants()
}

func (p *Portfolio) checkInvariants() error {
	if p.cash < -epsilon {
		return errors.Newf(errors.ErrCodeInvariantViolation, "cash went negative: %v", p.cash)
	}

	if p.positionQty < -epsilon {
		return errors.Newf(errors.ErrCodeInvariantViolation, "position went negative: %v", p.positionQty)
	}

	for _, v := range []float64{p.cash, p.positionQty, p.positionAvgPrice, p.realizedPnl} {
		if !isFinite(v) {
			return errors.Newf(errors.ErrCodeInvariantViolation, "portfolio state is not finite: %+v", *p)
		}
	}

	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
