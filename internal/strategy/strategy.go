// Package strategy holds the decision sources a run can be driven by.
// The set is closed (buy-and-hold, SMA crossover, hold, remote agent), so
// dispatch is over concrete types rather than an open plugin surface.
package strategy

import (
	"context"

	"github.com/Marcux777/kairos-alloy/internal/features"
	"github.com/Marcux777/kairos-alloy/internal/portfolio"
	"github.com/Marcux777/kairos-alloy/internal/types"
)

// Strategy produces exactly one action per bar. OnBar sees the post-fill
// portfolio snapshot for the current bar and must not retain it.
type Strategy interface {
	Name() string
	OnBar(ctx context.Context, bar types.Bar, obs features.Observation, view portfolio.View) (types.Action, error)
	// Reset clears all per-run state so the strategy can be reused.
	Reset()
}

// SizeMode mirrors orders.size_mode for strategies that size their own
// actions.
type SizeMode string

const (
	SizeModeQty       SizeMode = "qty"
	SizeModePctEquity SizeMode = "pct_equity"
)
