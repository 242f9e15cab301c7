package types

import (
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// Timeframe is the fixed bar interval of a run.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1min"
	Timeframe5Min  Timeframe = "5min"
	Timeframe15Min Timeframe = "15min"
	Timeframe1H    Timeframe = "1h"
	Timeframe1D    Timeframe = "1d"
)

// ParseTimeframe parses a timeframe label, accepting the short aliases
// used by exchange APIs (1m, 5m, 15m, 1h, 1d).
func ParseTimeframe(label string) (Timeframe, error) {
	switch label {
	case "1min", "1m":
		return Timeframe1Min, nil
	case "5min", "5m":
		return Timeframe5Min, nil
	case "15min", "15m":
		return Timeframe15Min, nil
	case "1h", "60min", "60m":
		return Timeframe1H, nil
	case "1d", "1day":
		return Timeframe1D, nil
	default:
		return "", errors.Newf(errors.ErrCodeInvalidTimeframe, "unsupported timeframe: %s", label)
	}
}

// Step returns the bar step in seconds.
func (t Timeframe) Step() int64 {
	switch t {
	case Timeframe1Min:
		return 60
	case Timeframe5Min:
		return 300
	case Timeframe15Min:
		return 900
	case Timeframe1H:
		return 3600
	case Timeframe1D:
		return 86400
	default:
		return 0
	}
}

// BarsPerYear returns the default Sharpe annualization base for the timeframe.
func (t Timeframe) BarsPerYear() float64 {
	const secondsPerYear = 365.0 * 24 * 3600

	step := t.Step()
	if step <= 0 {
		return 0
	}

	return secondsPerYear / float64(step)
}
