// Package features builds the per-bar observation vector. The vector
// layout is fixed by config: return, SMAs (config order), volatilities
// (config order), RSI(14) when enabled, then the sentiment metrics in
// declared schema order. Rolling features emit NaN until their window is
// full; the per-observation Valid flag is false while any value is NaN.
package features

import (
	"math"

	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// MissingPolicy controls what happens when a bar has no usable sentiment
// point at or before its causal cutoff.
type MissingPolicy string

const (
	MissingError       MissingPolicy = "error"
	MissingZeroFill    MissingPolicy = "zero_fill"
	MissingForwardFill MissingPolicy = "forward_fill"
	MissingDropRow     MissingPolicy = "drop_row"
)

const rsiWindow = 14

// Config describes the observation layout for a run.
type Config struct {
	ReturnMode        ReturnMode
	SMAWindows        []int
	VolatilityWindows []int
	RSIEnabled        bool
	// SentimentLagSeconds is the minimum age of a sentiment point before
	// a bar may observe it.
	SentimentLagSeconds int64
	SentimentMissing    MissingPolicy
	// SentimentMaxGapSeconds bounds forward_fill: a point older than the
	// cutoff by more than this is no longer reused. Zero disables the bound.
	SentimentMaxGapSeconds int64
}

// Observation is the fixed-order feature vector for one bar.
type Observation struct {
	Values []float64
	// Valid is false while any value is NaN (feature warmup or missing
	// sentiment under a NaN-producing policy).
	Valid bool
}

// Step is one element of the pipeline output sequence.
type Step struct {
	Bar         types.Bar
	Observation Observation
	// Dropped marks bars removed from the strategy's view by the
	// drop_row policy. Equity is still recorded for these bars.
	Dropped bool
}

// Pipeline lazily produces one Step per input bar, in order. It is
// restartable via Reset and is a pure function of its inputs.
type Pipeline struct {
	config    Config
	bars      []types.Bar
	sentiment types.SentimentSeries

	index        int
	prevClose    float64
	hasPrev      bool
	smas         []*RollingSMA
	vols         []*RollingStd
	rsi          *RollingRSI
	sentimentIdx int
}

// NewPipeline creates a pipeline over the given bars and optional
// sentiment series (empty schema means no sentiment features).
func NewPipeline(config Config, bars []types.Bar, sentiment types.SentimentSeries) *Pipeline {
	p := &Pipeline{
		config:    config,
		bars:      bars,
		sentiment: sentiment,
	}
	p.Reset()

	return p
}

// Width returns the number of values in every observation.
func (p *Pipeline) Width() int {
	width := 1 + len(p.config.SMAWindows) + len(p.config.VolatilityWindows)
	if p.config.RSIEnabled {
		width++
	}

	return width + len(p.sentiment.Schema)
}

// Len returns the total number of input bars.
func (p *Pipeline) Len() int {
	return len(p.bars)
}

// Reset restarts the sequence from the first bar.
func (p *Pipeline) Reset() {
	p.index = 0
	p.prevClose = 0
	p.hasPrev = false
	p.sentimentIdx = 0

	p.smas = make([]*RollingSMA, len(p.config.SMAWindows))
	for i, w := range p.config.SMAWindows {
		p.smas[i] = NewRollingSMA(w)
	}

	p.vols = make([]*RollingStd, len(p.config.VolatilityWindows))
	for i, w := range p.config.VolatilityWindows {
		p.vols[i] = NewRollingStd(w)
	}

	if p.config.RSIEnabled {
		p.rsi = NewRollingRSI(rsiWindow, p.config.ReturnMode)
	} else {
		p.rsi = nil
	}
}

// Next produces the next step. The second return is false when the
// sequence is exhausted. A DataQuality error is returned under the
// `error` missing policy when a bar has no usable sentiment.
func (p *Pipeline) Next() (Step, bool, error) {
	if p.index >= len(p.bars) {
		return Step{}, false, nil
	}

	bar := p.bars[p.index]
	p.index++

	values := make([]float64, 0, p.Width())

	// Return on close. The first bar has no predecessor and reports 0.
	var ret float64
	if p.hasPrev && p.prevClose > 0 {
		if p.config.ReturnMode == ReturnModeLog {
			ret = math.Log(bar.Close / p.prevClose)
		} else {
			ret = bar.Close/p.prevClose - 1
		}
	}

	values = append(values, ret)

	for _, sma := range p.smas {
		values = append(values, sma.Update(bar.Close))
	}

	for _, vol := range p.vols {
		if p.hasPrev {
			values = append(values, vol.Update(ret))
		} else {
			values = append(values, math.NaN())
		}
	}

	if p.rsi != nil {
		values = append(values, p.rsi.Update(bar.Close))
	}

	p.prevClose = bar.Close
	p.hasPrev = true

	dropped := false

	if len(p.sentiment.Schema) > 0 {
		sentimentValues, ok := p.alignSentiment(bar.Timestamp)
		if !ok {
			switch p.config.SentimentMissing {
			case MissingError:
				return Step{}, false, errors.Newf(errors.ErrCodeSentimentMissing,
					"no sentiment available for bar at ts=%d (lag=%ds)", bar.Timestamp, p.config.SentimentLagSeconds)
			case MissingZeroFill:
				sentimentValues = make([]float64, len(p.sentiment.Schema))
			case MissingDropRow:
				dropped = true

				sentimentValues = make([]float64, len(p.sentiment.Schema))
				for i := range sentimentValues {
					sentimentValues[i] = math.NaN()
				}
			default: // forward_fill exhausted or before first point
				sentimentValues = make([]float64, len(p.sentiment.Schema))
				for i := range sentimentValues {
					sentimentValues[i] = math.NaN()
				}
			}
		}

		values = append(values, sentimentValues...)
	}

	valid := true
	for _, v := range values {
		if math.IsNaN(v) {
			valid = false

			break
		}
	}

	return Step{
		Bar:         bar,
		Observation: Observation{Values: values, Valid: valid},
		Dropped:     dropped,
	}, true, nil
}

// alignSentiment returns the values of the most recent sentiment point
// with ts <= bar_ts - lag, honoring the forward-fill max gap. Bars are
// consumed in order, so a monotonic cursor suffices.
func (p *Pipeline) alignSentiment(barTimestamp int64) ([]float64, bool) {
	cutoff := barTimestamp - p.config.SentimentLagSeconds

	for p.sentimentIdx < len(p.sentiment.Points) &&
		p.sentiment.Points[p.sentimentIdx].Timestamp <= cutoff {
		p.sentimentIdx++
	}

	if p.sentimentIdx == 0 {
		return nil, false
	}

	point := p.sentiment.Points[p.sentimentIdx-1]

	if p.config.SentimentMissing == MissingForwardFill && p.config.SentimentMaxGapSeconds > 0 {
		if cutoff-point.Timestamp > p.config.SentimentMaxGapSeconds {
			return nil, false
		}
	}

	return point.Values, true
}
