package dataquality

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

type DataQualityTestSuite struct {
	suite.Suite
}

func TestDataQualitySuite(t *testing.T) {
	suite.Run(t, new(DataQualityTestSuite))
}

func bar(ts int64, close float64) types.Bar {
	return types.Bar{Timestamp: ts, Open: close, High: close, Low: close, Close: close, Volume: 1}
}

func (suite *DataQualityTestSuite) TestCleanSeries() {
	bars := []types.Bar{bar(0, 100), bar(60, 101), bar(120, 102)}

	report := Analyze(bars, 60)
	suite.Equal(3, report.Rows)
	suite.Zero(report.Duplicates)
	suite.Zero(report.Gaps)
	suite.Zero(report.OutOfOrder)
	suite.Zero(report.InvalidClose)
	suite.Equal(int64(0), report.FirstTimestamp)
	suite.Equal(int64(120), report.LastTimestamp)

	suite.NoError(report.Check(Thresholds{}))
}

func (suite *DataQualityTestSuite) TestCountsDefects() {
	bars := []types.Bar{
		bar(0, 100),
		bar(0, 100),    // duplicate
		bar(240, 101),  // gap of 4 steps -> 3 missing bars
		bar(180, 99),   // out of order
		bar(240, -1),   // invalid close, one step after the out-of-order bar
	}

	report := Analyze(bars, 60)
	suite.Equal(1, report.Duplicates)
	suite.Equal(1, report.OutOfOrder)
	suite.Equal(1, report.Gaps)
	suite.Equal(3, report.MissingBars)
	suite.Equal(1, report.InvalidClose)
	suite.Equal(int64(240), report.MaxGapSeconds)
}

func (suite *DataQualityTestSuite) TestStrictCheckFails() {
	bars := []types.Bar{bar(0, 100), bar(180, 101)}

	report := Analyze(bars, 60)
	suite.Equal(1, report.Gaps)

	err := report.Check(Thresholds{MaxGaps: 0})
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeDataQuality))
	suite.Equal(3, errors.ExitCode(err))

	// Raising the limits makes the same report pass.
	suite.NoError(report.Check(Thresholds{MaxGaps: 1, MaxMissingBars: 2}))
}

func (suite *DataQualityTestSuite) TestEmptySeries() {
	report := Analyze(nil, 60)
	suite.Zero(report.Rows)
	suite.NoError(report.Check(Thresholds{}))
}
