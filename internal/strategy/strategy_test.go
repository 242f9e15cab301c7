package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/Marcux777/kairos-alloy/internal/agent"
	"github.com/Marcux777/kairos-alloy/internal/agent/mocks"
	"github.com/Marcux777/kairos-alloy/internal/audit"
	"github.com/Marcux777/kairos-alloy/internal/features"
	"github.com/Marcux777/kairos-alloy/internal/portfolio"
	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

type StrategyTestSuite struct {
	suite.Suite
}

func TestStrategySuite(t *testing.T) {
	suite.Run(t, new(StrategyTestSuite))
}

func bar(ts int64, close float64) types.Bar {
	return types.Bar{Timestamp: ts, Open: close, High: close, Low: close, Close: close, Volume: 10}
}

func (suite *StrategyTestSuite) TestBuyAndHoldBuysOnce() {
	s := NewBuyAndHold(1.0, SizeModePctEquity)
	view := portfolio.View{Cash: 1000, Equity: 1000}

	action, err := s.OnBar(context.Background(), bar(60, 100), features.Observation{Valid: true}, view)
	suite.Require().NoError(err)
	suite.Equal(types.ActionBuy, action.Type)
	suite.InDelta(1.0, action.Size, 1e-9)

	action, err = s.OnBar(context.Background(), bar(120, 101), features.Observation{Valid: true}, view)
	suite.Require().NoError(err)
	suite.Equal(types.ActionHold, action.Type)

	s.Reset()

	action, err = s.OnBar(context.Background(), bar(180, 102), features.Observation{Valid: true}, view)
	suite.Require().NoError(err)
	suite.Equal(types.ActionBuy, action.Type)
}

func (suite *StrategyTestSuite) TestSmaCrossoverSignals() {
	s := NewSmaCrossover(2, 3, 1.0, SizeModeQty)
	flat := portfolio.View{Cash: 1000, Equity: 1000}
	long := portfolio.View{Cash: 0, Equity: 1000, PositionQty: 5}

	// Warmup: slow window not full yet.
	action, err := s.OnBar(context.Background(), bar(60, 100), features.Observation{}, flat)
	suite.Require().NoError(err)
	suite.Equal(types.ActionHold, action.Type)

	action, err = s.OnBar(context.Background(), bar(120, 101), features.Observation{}, flat)
	suite.Require().NoError(err)
	suite.Equal(types.ActionHold, action.Type)

	// Rising closes: fast(101, 103) = 102 > slow(100, 101, 103) = 101.33 -> buy when flat.
	action, err = s.OnBar(context.Background(), bar(180, 103), features.Observation{}, flat)
	suite.Require().NoError(err)
	suite.Equal(types.ActionBuy, action.Type)

	// Falling closes push the fast average below the slow -> sell the
	// whole position when long.
	action, err = s.OnBar(context.Background(), bar(240, 90), features.Observation{}, long)
	suite.Require().NoError(err)

	if action.Type == types.ActionHold {
		action, err = s.OnBar(context.Background(), bar(300, 80), features.Observation{}, long)
		suite.Require().NoError(err)
	}

	suite.Equal(types.ActionSell, action.Type)
	suite.InDelta(5.0, action.Size, 1e-9)
}

func (suite *StrategyTestSuite) TestAgentStrategyHappyPath() {
	ctrl := gomock.NewController(suite.T())
	client := mocks.NewMockClient(ctrl)
	recorder := audit.NewRecorder("run-1", "BTCUSDT", audit.NewMemorySink())

	client.EXPECT().Act(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *agent.ActRequest) (*agent.ActResponse, agent.CallInfo, error) {
			suite.Equal("v1", req.APIVersion)
			suite.Equal("BTCUSDT", req.Symbol)
			suite.Equal("1min", req.Timeframe)
			suite.InDelta(1000.0, req.PortfolioState.Cash, 1e-9)

			return &agent.ActResponse{ActionType: "BUY", Size: 2, ModelVersion: "ppo-7"},
				agent.CallInfo{Attempts: 1, Status: 200}, nil
		})

	s := NewAgentStrategy(client, recorder, AgentParams{
		RunID:          "run-1",
		Symbol:         "BTCUSDT",
		Timeframe:      types.Timeframe1Min,
		APIVersion:     "v1",
		FeatureVersion: "v1",
		FallbackAction: types.ActionHold,
	})

	action, err := s.OnBar(context.Background(), bar(60, 100),
		features.Observation{Values: []float64{0.1}, Valid: true},
		portfolio.View{Cash: 1000, Equity: 1000})
	suite.Require().NoError(err)
	suite.Equal(types.ActionBuy, action.Type)
	suite.InDelta(2.0, action.Size, 1e-9)
	suite.Equal("ppo-7", action.ModelVersion)

	counters := recorder.Counters()
	suite.Equal(uint64(1), counters["agent.call"])
	suite.Zero(counters["agent.fallback"])
}

// Both attempts time out: the action falls back to HOLD and the audit
// stream shows two call attempts plus the fallback.
func (suite *StrategyTestSuite) TestAgentStrategyFallbackAfterTimeout() {
	ctrl := gomock.NewController(suite.T())
	client := mocks.NewMockClient(ctrl)
	recorder := audit.NewRecorder("run-1", "BTCUSDT", audit.NewMemorySink())

	client.EXPECT().Act(gomock.Any(), gomock.Any()).
		Return(nil, agent.CallInfo{Attempts: 2, Error: "deadline exceeded"},
			errors.New(errors.ErrCodeAgentTimeout, "agent request timed out"))

	s := NewAgentStrategy(client, recorder, AgentParams{
		RunID:          "run-1",
		Symbol:         "BTCUSDT",
		Timeframe:      types.Timeframe1Min,
		APIVersion:     "v1",
		FeatureVersion: "v1",
		FallbackAction: types.ActionHold,
	})

	action, err := s.OnBar(context.Background(), bar(17*60, 100), features.Observation{Valid: true}, portfolio.View{})
	suite.Require().NoError(err)
	suite.Equal(types.ActionHold, action.Type)
	suite.Zero(action.Size)

	counters := recorder.Counters()
	suite.Equal(uint64(2), counters["agent.call"])
	suite.Equal(uint64(1), counters["agent.fallback"])
}

func (suite *StrategyTestSuite) TestAgentStrategyProtocolFatal() {
	ctrl := gomock.NewController(suite.T())
	client := mocks.NewMockClient(ctrl)
	recorder := audit.NewRecorder("run-1", "BTCUSDT", audit.NewMemorySink())

	protocolErr := errors.New(errors.ErrCodeAgentProtocol, "invalid action_type")
	client.EXPECT().Act(gomock.Any(), gomock.Any()).
		Return(nil, agent.CallInfo{Attempts: 1}, protocolErr).Times(2)

	fatal := NewAgentStrategy(client, recorder, AgentParams{
		RunID: "run-1", Symbol: "BTCUSDT", Timeframe: types.Timeframe1Min,
		APIVersion: "v1", FeatureVersion: "v1",
		FallbackAction: types.ActionHold, FatalOnProtocol: true,
	})

	_, err := fatal.OnBar(context.Background(), bar(60, 100), features.Observation{Valid: true}, portfolio.View{})
	suite.Require().Error(err)

	lenient := NewAgentStrategy(client, recorder, AgentParams{
		RunID: "run-1", Symbol: "BTCUSDT", Timeframe: types.Timeframe1Min,
		APIVersion: "v1", FeatureVersion: "v1",
		FallbackAction: types.ActionHold, FatalOnProtocol: false,
	})

	action, err := lenient.OnBar(context.Background(), bar(60, 100), features.Observation{Valid: true}, portfolio.View{})
	suite.Require().NoError(err)
	suite.Equal(types.ActionHold, action.Type)
}
