// Package mocks generates realistic synthetic market data for tests and
// benchmarks. A fixed seed produces a fixed series, which the
// determinism tests rely on.
package mocks

import (
	"math"
	"math/rand"

	"github.com/Marcux777/kairos-alloy/internal/types"
)

// DataGenerator generates OHLCV series with a geometric Brownian motion
// price path.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator creates a generator with the given seed. Use a fixed
// seed for reproducible results in tests.
func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// GeneratorConfig configures how market data is generated.
type GeneratorConfig struct {
	// StartTimestamp is the UTC epoch second of the first bar.
	StartTimestamp int64
	// Timeframe sets the distance between bars.
	Timeframe types.Timeframe
	// Count is the number of bars to generate.
	Count int
	// InitialPrice is the starting price.
	InitialPrice float64
	// Volatility controls per-bar price movement (0.002 = 0.2%).
	Volatility float64
	// Trend is the total drift distributed across the series.
	Trend float64
	// VolumeBase is the average volume per bar.
	VolumeBase float64
	// VolumeVariance is the variance in volume (0.0 to 1.0).
	VolumeVariance float64
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		StartTimestamp: 1704103800, // 2024-01-01 10:10:00 UTC
		Timeframe:      types.Timeframe1Min,
		Count:          10000,
		InitialPrice:   100.0,
		Volatility:     0.002,
		Trend:          0.0,
		VolumeBase:     10000,
		VolumeVariance: 0.3,
	}
}

// Generate creates bars following a geometric Brownian motion model.
func (g *DataGenerator) Generate(config GeneratorConfig) []types.Bar {
	data := make([]types.Bar, config.Count)
	currentPrice := config.InitialPrice
	currentTime := config.StartTimestamp
	step := config.Timeframe.Step()

	for i := 0; i < config.Count; i++ {
		open := currentPrice

		// Box-Muller transform for a normally distributed shock.
		u1 := g.rng.Float64()
		u2 := g.rng.Float64()
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

		priceChange := config.Volatility * z
		drift := config.Trend / float64(config.Count)

		close := open * (1 + priceChange + drift)
		if close <= 0 {
			close = open * 0.99
		}

		highExtension := math.Abs(g.rng.Float64() * config.Volatility * open * 0.5)
		lowExtension := math.Abs(g.rng.Float64() * config.Volatility * open * 0.5)

		high := math.Max(open, close) + highExtension

		low := math.Min(open, close) - lowExtension
		if low <= 0 {
			low = math.Min(open, close) * 0.99
		}

		volumeVariation := 1.0 + (g.rng.Float64()*2-1)*config.VolumeVariance

		volume := config.VolumeBase * volumeVariation
		if volume < 0 {
			volume = config.VolumeBase * 0.1
		}

		data[i] = types.Bar{
			Timestamp: currentTime,
			Open:      roundToDecimals(open, 4),
			High:      roundToDecimals(high, 4),
			Low:       roundToDecimals(low, 4),
			Close:     roundToDecimals(close, 4),
			Volume:    roundToDecimals(volume, 2),
			Turnover:  roundToDecimals(volume*close, 2),
		}

		currentPrice = close
		currentTime += step
	}

	return data
}

func roundToDecimals(value float64, decimals int) float64 {
	multiplier := math.Pow10(decimals)

	return math.Round(value*multiplier) / multiplier
}
