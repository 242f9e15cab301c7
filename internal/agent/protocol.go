// Package agent implements the v1 wire protocol to the external
// inference service. The request/response field names are a frozen
// contract; changing them breaks recorded runs.
package agent

import (
	"math"

	"github.com/moznion/go-optional"

	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// PortfolioState is the agent-visible account snapshot.
type PortfolioState struct {
	Cash             float64 `json:"cash"`
	PositionQty      float64 `json:"position_qty"`
	PositionAvgPrice float64 `json:"position_avg_price"`
	Equity           float64 `json:"equity"`
}

// ActRequest is the body of POST /v1/act.
type ActRequest struct {
	APIVersion     string         `json:"api_version"`
	FeatureVersion string         `json:"feature_version"`
	RunID          string         `json:"run_id"`
	Timestamp      string         `json:"timestamp"`
	Symbol         string         `json:"symbol"`
	Timeframe      string         `json:"timeframe"`
	Observation    []float64      `json:"observation"`
	PortfolioState PortfolioState `json:"portfolio_state"`
}

// ActResponse is the agent's decision plus optional audit fields.
type ActResponse struct {
	ActionType   string   `json:"action_type"`
	Size         float64  `json:"size"`
	Confidence   *float64 `json:"confidence,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	ModelVersion string   `json:"model_version,omitempty"`
	LatencyMs    int64    `json:"latency_ms,omitempty"`
}

// BatchRequest is the body of POST /v1/act_batch.
type BatchRequest struct {
	APIVersion     string       `json:"api_version"`
	FeatureVersion string       `json:"feature_version"`
	RunID          string       `json:"run_id"`
	Requests       []ActRequest `json:"requests"`
}

// BatchResponse mirrors BatchRequest item-for-item.
type BatchResponse struct {
	Responses []ActResponse `json:"responses"`
}

// CallInfo summarizes one logical call (including retries) for the audit
// stream.
type CallInfo struct {
	Attempts   uint   `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Status     int    `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Validate checks the response against the protocol contract.
func (r *ActResponse) Validate() error {
	switch types.ActionType(r.ActionType) {
	case types.ActionBuy, types.ActionSell, types.ActionHold:
	default:
		return errors.Newf(errors.ErrCodeAgentProtocol, "invalid action_type %q", r.ActionType)
	}

	if math.IsNaN(r.Size) || math.IsInf(r.Size, 0) || r.Size < 0 {
		return errors.Newf(errors.ErrCodeAgentProtocol, "invalid size %v", r.Size)
	}

	return nil
}

// ToAction converts a validated response into the domain action.
func (r *ActResponse) ToAction() types.Action {
	action := types.Action{
		Type:           types.ActionType(r.ActionType),
		Size:           r.Size,
		Reason:         r.Reason,
		ModelVersion:   r.ModelVersion,
		AgentLatencyMs: r.LatencyMs,
	}

	if r.Confidence != nil {
		action.Confidence = optional.Some(*r.Confidence)
	}

	return action
}
