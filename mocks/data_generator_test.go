package mocks

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/Marcux777/kairos-alloy/internal/types"
)

type DataGeneratorTestSuite struct {
	suite.Suite
}

func TestDataGeneratorSuite(t *testing.T) {
	suite.Run(t, new(DataGeneratorTestSuite))
}

func (suite *DataGeneratorTestSuite) TestGenerateRespectsConfig() {
	config := DefaultConfig()
	config.Count = 100

	bars := NewDataGenerator(42).Generate(config)
	suite.Require().Len(bars, 100)

	step := types.Timeframe1Min.Step()

	for i, bar := range bars {
		suite.Require().NoError(bar.Validate(), "bar %d must satisfy the OHLC invariant", i)

		if i > 0 {
			suite.Equal(bars[i-1].Timestamp+step, bar.Timestamp, "timestamps are strictly monotonic")
		}
	}
}

func (suite *DataGeneratorTestSuite) TestFixedSeedIsReproducible() {
	config := DefaultConfig()
	config.Count = 50

	first := NewDataGenerator(7).Generate(config)
	second := NewDataGenerator(7).Generate(config)
	suite.Equal(first, second)

	different := NewDataGenerator(8).Generate(config)
	suite.NotEqual(first, different)
}
