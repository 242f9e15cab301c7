package strategy

import (
	"context"
	"time"

	"github.com/Marcux777/kairos-alloy/internal/agent"
	"github.com/Marcux777/kairos-alloy/internal/audit"
	"github.com/Marcux777/kairos-alloy/internal/features"
	"github.com/Marcux777/kairos-alloy/internal/portfolio"
	"github.com/Marcux777/kairos-alloy/internal/types"
)

// AgentStrategy asks the remote inference service for one action per
// bar. Transient failures are absorbed locally: after the client's
// retries are exhausted the configured fallback action is applied and
// the run continues. Protocol and rejection errors abort the run only
// when fatal_on_protocol is set.
type AgentStrategy struct {
	client          agent.Client
	recorder        *audit.Recorder
	runID           string
	symbol          string
	timeframe       types.Timeframe
	apiVersion      string
	featureVersion  string
	fallbackAction  types.ActionType
	fatalOnProtocol bool
}

// AgentParams bundles the run context the wire protocol needs.
type AgentParams struct {
	RunID           string
	Symbol          string
	Timeframe       types.Timeframe
	APIVersion      string
	FeatureVersion  string
	FallbackAction  types.ActionType
	FatalOnProtocol bool
}

// NewAgentStrategy wires the agent client into the strategy port. The
// recorder receives one AgentCallAttempted event per transport attempt
// and an AgentFallbackApplied event whenever the fallback is used.
func NewAgentStrategy(client agent.Client, recorder *audit.Recorder, params AgentParams) *AgentStrategy {
	return &AgentStrategy{
		client:          client,
		recorder:        recorder,
		runID:           params.RunID,
		symbol:          params.Symbol,
		timeframe:       params.Timeframe,
		apiVersion:      params.APIVersion,
		featureVersion:  params.FeatureVersion,
		fallbackAction:  params.FallbackAction,
		fatalOnProtocol: params.FatalOnProtocol,
	}
}

// Name implements Strategy.
func (s *AgentStrategy) Name() string {
	return "agent_remote"
}

// OnBar implements Strategy.
func (s *AgentStrategy) OnBar(ctx context.Context, bar types.Bar, obs features.Observation, view portfolio.View) (types.Action, error) {
	request := s.buildRequest(bar, obs, view)

	response, info, err := s.client.Act(ctx, request)

	for attempt := uint(1); attempt <= max(info.Attempts, 1); attempt++ {
		s.recorder.Record(bar.Timestamp, audit.StageAgent, audit.ActionAgentCall, "", map[string]any{
			"attempt":         attempt,
			"of":              info.Attempts,
			"status":          info.Status,
			"duration_ms":     info.DurationMs,
			"observation_len": len(obs.Values),
		})
	}

	if err != nil {
		if agent.IsFatal(err, s.fatalOnProtocol) {
			return types.Hold(), err
		}

		s.recorder.Record(bar.Timestamp, audit.StageAgent, audit.ActionAgentFallback, err.Error(), map[string]any{
			"attempts":        info.Attempts,
			"fallback_action": string(s.fallbackAction),
		})

		return types.Action{Type: s.fallbackAction, Size: 0, Reason: "agent_fallback"}, nil
	}

	return response.ToAction(), nil
}

// Reset implements Strategy.
func (s *AgentStrategy) Reset() {}

func (s *AgentStrategy) buildRequest(bar types.Bar, obs features.Observation, view portfolio.View) *agent.ActRequest {
	return &agent.ActRequest{
		APIVersion:     s.apiVersion,
		FeatureVersion: s.featureVersion,
		RunID:          s.runID,
		Timestamp:      time.Unix(bar.Timestamp, 0).UTC().Format(time.RFC3339),
		Symbol:         s.symbol,
		Timeframe:      string(s.timeframe),
		Observation:    obs.Values,
		PortfolioState: agent.PortfolioState{
			Cash:             view.Cash,
			PositionQty:      view.PositionQty,
			PositionAvgPrice: view.PositionAvgPrice,
			Equity:           view.Equity,
		},
	}
}
