package datasource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/Marcux777/kairos-alloy/internal/features"
	"github.com/Marcux777/kairos-alloy/internal/logger"
	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

type DatasourceTestSuite struct {
	suite.Suite
	repo *OhlcvRepository
}

func TestDatasourceSuite(t *testing.T) {
	suite.Run(t, new(DatasourceTestSuite))
}

func (suite *DatasourceTestSuite) SetupTest() {
	repo, err := NewOhlcvRepository(":memory:", "ohlcv", logger.NewNopLogger())
	suite.Require().NoError(err)
	suite.repo = repo
}

func (suite *DatasourceTestSuite) TearDownTest() {
	if suite.repo != nil {
		suite.repo.Close()
	}
}

func (suite *DatasourceTestSuite) TestInsertAndLoadOrdered() {
	bars := []types.Bar{
		{Timestamp: 120, Open: 101, High: 102, Low: 100, Close: 101, Volume: 5},
		{Timestamp: 60, Open: 100, High: 101, Low: 99, Close: 100, Volume: 4},
	}

	err := suite.repo.InsertBars("binance", "spot", "BTCUSDT", types.Timeframe1Min, bars)
	suite.Require().NoError(err)

	loaded, err := suite.repo.LoadOHLCV(OhlcvQuery{
		Exchange: "binance", Market: "spot", Symbol: "BTCUSDT", Timeframe: types.Timeframe1Min,
	})
	suite.Require().NoError(err)
	suite.Require().Len(loaded, 2)
	suite.Equal(int64(60), loaded[0].Timestamp, "bars come back ordered")
	suite.Equal(int64(120), loaded[1].Timestamp)
}

func (suite *DatasourceTestSuite) TestLoadRangeAndMissing() {
	bars := []types.Bar{
		{Timestamp: 60, Close: 100, Open: 100, High: 100, Low: 100},
		{Timestamp: 120, Close: 101, Open: 101, High: 101, Low: 101},
		{Timestamp: 180, Close: 102, Open: 102, High: 102, Low: 102},
	}

	suite.Require().NoError(suite.repo.InsertBars("binance", "spot", "BTCUSDT", types.Timeframe1Min, bars))

	loaded, err := suite.repo.LoadOHLCV(OhlcvQuery{
		Exchange: "binance", Market: "spot", Symbol: "BTCUSDT", Timeframe: types.Timeframe1Min,
		From: 120, To: 180,
	})
	suite.Require().NoError(err)
	suite.Len(loaded, 2)

	_, err = suite.repo.LoadOHLCV(OhlcvQuery{
		Exchange: "binance", Market: "spot", Symbol: "ETHUSDT", Timeframe: types.Timeframe1Min,
	})
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeDataNotFound))
}

func (suite *DatasourceTestSuite) TestUpsertOverwrites() {
	bar := types.Bar{Timestamp: 60, Open: 100, High: 100, Low: 100, Close: 100, Volume: 1}
	suite.Require().NoError(suite.repo.InsertBars("binance", "spot", "BTCUSDT", types.Timeframe1Min, []types.Bar{bar}))

	bar.Close = 105
	suite.Require().NoError(suite.repo.InsertBars("binance", "spot", "BTCUSDT", types.Timeframe1Min, []types.Bar{bar}))

	loaded, err := suite.repo.LoadOHLCV(OhlcvQuery{
		Exchange: "binance", Market: "spot", Symbol: "BTCUSDT", Timeframe: types.Timeframe1Min,
	})
	suite.Require().NoError(err)
	suite.Require().Len(loaded, 1)
	suite.InDelta(105.0, loaded[0].Close, 1e-9)
}

func (suite *DatasourceTestSuite) TestResample() {
	bars := []types.Bar{
		{Timestamp: 0, Open: 100, High: 103, Low: 99, Close: 101, Volume: 1, Turnover: 100},
		{Timestamp: 60, Open: 101, High: 105, Low: 100, Close: 104, Volume: 2, Turnover: 200},
		{Timestamp: 120, Open: 104, High: 104, Low: 98, Close: 99, Volume: 3, Turnover: 300},
		{Timestamp: 300, Open: 99, High: 100, Low: 97, Close: 98, Volume: 4, Turnover: 400},
	}

	out, err := Resample(bars, 300)
	suite.Require().NoError(err)
	suite.Require().Len(out, 2)

	first := out[0]
	suite.Equal(int64(0), first.Timestamp)
	suite.InDelta(100.0, first.Open, 1e-9)
	suite.InDelta(105.0, first.High, 1e-9)
	suite.InDelta(98.0, first.Low, 1e-9)
	suite.InDelta(99.0, first.Close, 1e-9)
	suite.InDelta(6.0, first.Volume, 1e-9)
	suite.InDelta(600.0, first.Turnover, 1e-9)

	suite.Equal(int64(300), out[1].Timestamp)

	_, err = Resample(bars, 0)
	suite.Require().Error(err)
}

func (suite *DatasourceTestSuite) writeFile(name, content string) string {
	path := filepath.Join(suite.T().TempDir(), name)
	suite.Require().NoError(os.WriteFile(path, []byte(content), 0o644))

	return path
}

func (suite *DatasourceTestSuite) TestLoadSentimentCSV() {
	path := suite.writeFile("sentiment.csv", `timestamp_utc,score,volume_z
60,0.5,1.2
120,0.7,1.4
180,0.9,1.6
`)

	series, report, err := LoadSentiment(path, features.MissingForwardFill)
	suite.Require().NoError(err)
	suite.Equal([]string{"score", "volume_z"}, series.Schema)
	suite.Require().Len(series.Points, 3)
	suite.Equal(int64(60), series.Points[0].Timestamp)
	suite.InDelta(0.5, series.Points[0].Values[0], 1e-9)
	suite.InDelta(1.6, series.Points[2].Values[1], 1e-9)
	suite.Equal(3, report.Rows)
	suite.Zero(report.Duplicates)
}

func (suite *DatasourceTestSuite) TestSentimentCSVForwardFill() {
	path := suite.writeFile("sentiment.csv", `timestamp_utc,score
60,0.5
120,
180,0.9
`)

	series, report, err := LoadSentiment(path, features.MissingForwardFill)
	suite.Require().NoError(err)
	suite.Equal(1, report.MissingValues)
	suite.InDelta(0.5, series.Points[1].Values[0], 1e-9, "gap is forward-filled")
}

func (suite *DatasourceTestSuite) TestSentimentCSVErrorPolicy() {
	path := suite.writeFile("sentiment.csv", `timestamp_utc,score
60,0.5
120,
`)

	_, _, err := LoadSentiment(path, features.MissingError)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeSentimentMissing))
}

func (suite *DatasourceTestSuite) TestSentimentCSVDropRow() {
	path := suite.writeFile("sentiment.csv", `timestamp_utc,score
60,0.5
120,
180,0.9
`)

	series, report, err := LoadSentiment(path, features.MissingDropRow)
	suite.Require().NoError(err)
	suite.Len(series.Points, 2)
	suite.Equal(1, report.DroppedRows)
}

func (suite *DatasourceTestSuite) TestSentimentCSVDuplicatesAndOrder() {
	path := suite.writeFile("sentiment.csv", `timestamp_utc,score
120,0.7
60,0.5
120,0.8
`)

	series, report, err := LoadSentiment(path, features.MissingZeroFill)
	suite.Require().NoError(err)
	suite.Equal(1, report.Duplicates)
	suite.Equal(1, report.OutOfOrder)
	// Last write wins, points come back sorted.
	suite.Require().Len(series.Points, 2)
	suite.Equal(int64(60), series.Points[0].Timestamp)
	suite.InDelta(0.8, series.Points[1].Values[0], 1e-9)
}

func (suite *DatasourceTestSuite) TestSentimentCSVRFC3339Timestamps() {
	path := suite.writeFile("sentiment.csv", `timestamp_utc,score
1970-01-01T00:01:00Z,0.5
`)

	series, _, err := LoadSentiment(path, features.MissingZeroFill)
	suite.Require().NoError(err)
	suite.Equal(int64(60), series.Points[0].Timestamp)
}

func (suite *DatasourceTestSuite) TestLoadSentimentJSON() {
	path := suite.writeFile("sentiment.json", `[
		{"timestamp_utc": 120, "score": 0.7, "buzz": 3},
		{"timestamp_utc": 60, "score": 0.5, "buzz": 2}
	]`)

	series, report, err := LoadSentiment(path, features.MissingZeroFill)
	suite.Require().NoError(err)
	// JSON schema is the sorted metric names.
	suite.Equal([]string{"buzz", "score"}, series.Schema)
	suite.Require().Len(series.Points, 2)
	suite.Equal(int64(60), series.Points[0].Timestamp)
	suite.InDelta(2.0, series.Points[0].Values[0], 1e-9)
	suite.InDelta(0.5, series.Points[0].Values[1], 1e-9)
	suite.Equal(2, report.Rows)
}

func (suite *DatasourceTestSuite) TestSentimentJSONMissingTimestamp() {
	path := suite.writeFile("sentiment.json", `[{"score": 0.5}]`)

	_, _, err := LoadSentiment(path, features.MissingZeroFill)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeSentimentInvalid))
}
