package types

import (
	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"

	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

type Side string

type ActionType string

type OrderKind string

type TimeInForce string

type OrderStatus string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const (
	ActionBuy  ActionType = "BUY"
	ActionSell ActionType = "SELL"
	ActionHold ActionType = "HOLD"
)

const (
	OrderKindMarket OrderKind = "MARKET"
	OrderKindLimit  OrderKind = "LIMIT"
	OrderKindStop   OrderKind = "STOP"
)

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

const (
	OrderStatusScheduled OrderStatus = "SCHEDULED"
	OrderStatusActive    OrderStatus = "ACTIVE"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCanceled  OrderStatus = "CANCELED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

const (
	CancelReasonIOC           string = "ioc_unfilled"
	CancelReasonIOCPartial    string = "ioc_partial_cancel"
	CancelReasonFOK           string = "fok_unfillable"
	CancelReasonExpired       string = "expired"
	CancelReasonInvalidPrice  string = "invalid_price"
	CancelReasonInvalidVolume string = "invalid_volume"
	CancelReasonReplaced      string = "replaced"
)

// Action is the per-bar decision produced by a strategy or the remote
// agent. Only Type and Size affect execution; the rest is audit context.
type Action struct {
	Type ActionType `yaml:"action_type" json:"action_type" validate:"required,oneof=BUY SELL HOLD"`
	Size float64    `yaml:"size" json:"size"`
	// Confidence is the agent's self-reported confidence, when provided.
	Confidence optional.Option[float64] `yaml:"confidence" json:"confidence"`
	Reason     string                   `yaml:"reason" json:"reason"`
	// ModelVersion identifies the agent model that produced this action.
	ModelVersion   string `yaml:"model_version" json:"model_version"`
	AgentLatencyMs int64  `yaml:"agent_latency_ms" json:"agent_latency_ms"`
}

// Hold returns the neutral action.
func Hold() Action {
	return Action{Type: ActionHold, Size: 0}
}

// Order is a simulated order owned by the execution engine. Quantity is
// the remaining (unfilled) quantity; it only ever decreases.
type Order struct {
	// ID is unique and monotonically increasing within a run.
	ID       uint64    `yaml:"id" json:"id" csv:"id"`
	Side     Side      `yaml:"side" json:"side" csv:"side" validate:"required,oneof=BUY SELL"`
	Kind     OrderKind `yaml:"kind" json:"kind" csv:"kind" validate:"required,oneof=MARKET LIMIT STOP"`
	Quantity float64   `yaml:"quantity" json:"quantity" csv:"quantity" validate:"required,gt=0"`
	// InitialQuantity is the quantity at submission, kept for fill accounting.
	InitialQuantity float64                  `yaml:"initial_quantity" json:"initial_quantity" csv:"initial_quantity"`
	LimitPrice      optional.Option[float64] `yaml:"limit_price" json:"limit_price" csv:"limit_price"`
	StopPrice       optional.Option[float64] `yaml:"stop_price" json:"stop_price" csv:"stop_price"`
	// SubmittedBar is the bar index the order was scheduled on;
	// ActivationBar = SubmittedBar + latency_bars.
	SubmittedBar  uint64                  `yaml:"submitted_bar" json:"submitted_bar" csv:"submitted_bar"`
	ActivationBar uint64                  `yaml:"activation_bar" json:"activation_bar" csv:"activation_bar"`
	ExpiresBar    optional.Option[uint64] `yaml:"expires_bar" json:"expires_bar" csv:"expires_bar"`
	TIF           TimeInForce             `yaml:"tif" json:"tif" csv:"tif" validate:"required,oneof=GTC IOC FOK"`
	StrategyID    string                  `yaml:"strategy_id" json:"strategy_id" csv:"strategy_id" validate:"required"`
	Reason        string                  `yaml:"reason" json:"reason" csv:"reason"`
}

// Validate validates the Order struct.
func (o *Order) Validate() error {
	validate := validator.New()
	if err := validate.Struct(o); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrder, "invalid order", err)
	}

	if o.Kind == OrderKindLimit && o.LimitPrice.IsNone() {
		return errors.New(errors.ErrCodeInvalidOrder, "limit order without limit price")
	}

	if o.Kind == OrderKindStop && o.StopPrice.IsNone() {
		return errors.New(errors.ErrCodeInvalidOrder, "stop order without stop price")
	}

	return nil
}

// Trade is a fill record. Price includes spread/slippage adjustments; fee
// is computed on notional.
type Trade struct {
	Timestamp  int64   `yaml:"timestamp_utc" json:"timestamp_utc" csv:"timestamp_utc"`
	Symbol     string  `yaml:"symbol" json:"symbol" csv:"symbol"`
	Side       Side    `yaml:"side" json:"side" csv:"side"`
	Quantity   float64 `yaml:"qty" json:"qty" csv:"qty"`
	Price      float64 `yaml:"price" json:"price" csv:"price"`
	Fee        float64 `yaml:"fee" json:"fee" csv:"fee"`
	Slippage   float64 `yaml:"slippage" json:"slippage" csv:"slippage"`
	StrategyID string  `yaml:"strategy_id" json:"strategy_id" csv:"strategy_id"`
	Reason     string  `yaml:"reason" json:"reason" csv:"reason"`
}

// EquityPoint is the per-bar portfolio mark. Equity uses the bar close.
type EquityPoint struct {
	Timestamp     int64   `yaml:"timestamp_utc" json:"timestamp_utc" csv:"timestamp_utc"`
	Equity        float64 `yaml:"equity" json:"equity" csv:"equity"`
	Cash          float64 `yaml:"cash" json:"cash" csv:"cash"`
	PositionQty   float64 `yaml:"position_qty" json:"position_qty" csv:"position_qty"`
	UnrealizedPnl float64 `yaml:"unrealized_pnl" json:"unrealized_pnl" csv:"unrealized_pnl"`
	RealizedPnl   float64 `yaml:"realized_pnl" json:"realized_pnl" csv:"realized_pnl"`
}
