package types

import (
	"math"

	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// Bar is a single OHLCV candle at the run timeframe. Timestamps are UTC
// epoch seconds. Bars are immutable inputs to the simulation.
type Bar struct {
	Timestamp int64   `yaml:"timestamp_utc" json:"timestamp_utc" csv:"timestamp_utc"`
	Open      float64 `yaml:"open" json:"open" csv:"open"`
	High      float64 `yaml:"high" json:"high" csv:"high"`
	Low       float64 `yaml:"low" json:"low" csv:"low"`
	Close     float64 `yaml:"close" json:"close" csv:"close"`
	Volume    float64 `yaml:"volume" json:"volume" csv:"volume"`
	// Turnover is quote-currency volume. Zero when the venue does not report it.
	Turnover float64 `yaml:"turnover" json:"turnover" csv:"turnover"`
}

// Validate checks the OHLC ordering invariant and that all fields are
// finite and non-negative.
func (b *Bar) Validate() error {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume, b.Turnover} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return errors.Newf(errors.ErrCodeDataQuality, "bar at ts=%d has non-finite or negative field", b.Timestamp)
		}
	}

	lo := math.Min(b.Open, b.Close)
	hi := math.Max(b.Open, b.Close)

	if b.Low > lo || hi > b.High {
		return errors.Newf(errors.ErrCodeDataQuality, "bar at ts=%d violates low <= min(open,close) <= max(open,close) <= high", b.Timestamp)
	}

	return nil
}

// SentimentPoint is one row of the sentiment series: values in the order
// declared by the loaded schema. Spacing may be irregular.
type SentimentPoint struct {
	Timestamp int64     `json:"timestamp_utc" csv:"timestamp_utc"`
	Values    []float64 `json:"values" csv:"values"`
}

// SentimentSeries is the loaded sentiment data plus its declared metric
// order. The schema order is part of the observation contract.
type SentimentSeries struct {
	Schema []string
	Points []SentimentPoint
}
