package types

import (
	"testing"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

type TypesTestSuite struct {
	suite.Suite
}

func TestTypesSuite(t *testing.T) {
	suite.Run(t, new(TypesTestSuite))
}

func (suite *TypesTestSuite) TestParseTimeframe() {
	tf, err := ParseTimeframe("1m")
	suite.Require().NoError(err)
	suite.Equal(Timeframe1Min, tf)
	suite.Equal(int64(60), tf.Step())

	tf, err = ParseTimeframe("1d")
	suite.Require().NoError(err)
	suite.Equal(int64(86400), tf.Step())

	_, err = ParseTimeframe("3min")
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidTimeframe))
}

func (suite *TypesTestSuite) TestBarsPerYear() {
	suite.InDelta(525600.0, Timeframe1Min.BarsPerYear(), 1e-9)
	suite.InDelta(8760.0, Timeframe1H.BarsPerYear(), 1e-9)
	suite.InDelta(365.0, Timeframe1D.BarsPerYear(), 1e-9)
}

func (suite *TypesTestSuite) TestBarValidate() {
	bar := Bar{Timestamp: 1700000000, Open: 100, High: 105, Low: 99, Close: 101, Volume: 10}
	suite.NoError(bar.Validate())

	// High below close.
	bad := Bar{Timestamp: 1700000000, Open: 100, High: 100, Low: 99, Close: 101, Volume: 10}
	suite.Error(bad.Validate())

	// Negative volume.
	bad = Bar{Timestamp: 1700000000, Open: 100, High: 105, Low: 99, Close: 101, Volume: -1}
	suite.Error(bad.Validate())
}

func (suite *TypesTestSuite) TestOrderValidate() {
	order := Order{
		ID:              1,
		Side:            SideBuy,
		Kind:            OrderKindLimit,
		Quantity:        2,
		InitialQuantity: 2,
		LimitPrice:      optional.Some(99.5),
		TIF:             TimeInForceGTC,
		StrategyID:      "sma_crossover",
	}
	suite.NoError(order.Validate())

	order.LimitPrice = optional.None[float64]()
	suite.Error(order.Validate())

	market := Order{
		ID:              2,
		Side:            SideSell,
		Kind:            OrderKindMarket,
		Quantity:        1,
		InitialQuantity: 1,
		TIF:             TimeInForceIOC,
		StrategyID:      "agent_remote",
	}
	suite.NoError(market.Validate())
}

func (suite *TypesTestSuite) TestRiskLimits() {
	limits := RiskLimits{MaxPositionQty: 10, MaxExposurePct: 0.5, MaxDrawdownPct: 0.3}

	suite.True(limits.AllowsPosition(4, 6))
	suite.False(limits.AllowsPosition(4, 7))

	suite.True(limits.AllowsExposure(1000, 500))
	suite.False(limits.AllowsExposure(1000, 501))
	suite.False(limits.AllowsExposure(0, 1))

	suite.True(limits.AllowsDrawdown(0.29))
	suite.False(limits.AllowsDrawdown(0.30))

	// Zero limits disable the checks.
	open := RiskLimits{}
	suite.True(open.AllowsPosition(1e9, 1e9))
	suite.True(open.AllowsExposure(1, 1e9))
	suite.True(open.AllowsDrawdown(0.99))
}
