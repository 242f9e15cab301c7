package strategy

import (
	"context"

	"github.com/Marcux777/kairos-alloy/internal/features"
	"github.com/Marcux777/kairos-alloy/internal/portfolio"
	"github.com/Marcux777/kairos-alloy/internal/types"
)

// Hold never trades. Useful for dry runs and data shakedowns.
type Hold struct{}

// NewHold creates the no-op baseline.
func NewHold() *Hold {
	return &Hold{}
}

// Name implements Strategy.
func (s *Hold) Name() string {
	return "hold"
}

// OnBar implements Strategy.
func (s *Hold) OnBar(_ context.Context, _ types.Bar, _ features.Observation, _ portfolio.View) (types.Action, error) {
	return types.Hold(), nil
}

// Reset implements Strategy.
func (s *Hold) Reset() {}
