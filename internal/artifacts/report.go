package artifacts

import (
	"encoding/csv"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Marcux777/kairos-alloy/internal/metrics"
	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// ReadTrades loads trades.csv back into the domain type.
func ReadTrades(runDir string) ([]types.Trade, error) {
	rows, err := readCSV(filepath.Join(runDir, TradesFile), len(tradesHeader))
	if err != nil {
		return nil, err
	}

	trades := make([]types.Trade, 0, len(rows))

	for _, row := range rows {
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeArtifactRead, "invalid trade timestamp", err)
		}

		side := types.Side(row[2])
		if side != types.SideBuy && side != types.SideSell {
			return nil, errors.Newf(errors.ErrCodeArtifactRead, "invalid trade side %q", row[2])
		}

		values, err := parseFloats(row[3:7])
		if err != nil {
			return nil, err
		}

		trades = append(trades, types.Trade{
			Timestamp:  ts,
			Symbol:     row[1],
			Side:       side,
			Quantity:   values[0],
			Price:      values[1],
			Fee:        values[2],
			Slippage:   values[3],
			StrategyID: row[7],
			Reason:     row[8],
		})
	}

	return trades, nil
}

// ReadEquity loads equity.csv back into the domain type.
func ReadEquity(runDir string) ([]types.EquityPoint, error) {
	rows, err := readCSV(filepath.Join(runDir, EquityFile), len(equityHeader))
	if err != nil {
		return nil, err
	}

	points := make([]types.EquityPoint, 0, len(rows))

	for _, row := range rows {
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeArtifactRead, "invalid equity timestamp", err)
		}

		values, err := parseFloats(row[1:6])
		if err != nil {
			return nil, err
		}

		points = append(points, types.EquityPoint{
			Timestamp:     ts,
			Equity:        values[0],
			Cash:          values[1],
			PositionQty:   values[2],
			UnrealizedPnl: values[3],
			RealizedPnl:   values[4],
		})
	}

	return points, nil
}

// Regenerate recomputes the metric block from the trades and equity
// artifacts of a finished run. Writing artifacts and regenerating from
// them yields the same rounded values as the originating run.
func Regenerate(runDir string, cfg metrics.Config) (metrics.Summary, error) {
	trades, err := ReadTrades(runDir)
	if err != nil {
		return metrics.Summary{}, err
	}

	points, err := ReadEquity(runDir)
	if err != nil {
		return metrics.Summary{}, err
	}

	state := metrics.NewState(cfg)

	for _, point := range points {
		state.RecordEquity(point)
	}

	for _, trade := range trades {
		state.RecordTrade(trade)
	}

	return roundSummary(state.Summary()), nil
}

const reportTemplate = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>Kairos Alloy Summary</title>
  <style>
    body { font-family: Arial, sans-serif; margin: 24px; }
    table { border-collapse: collapse; }
    td, th { border: 1px solid #ddd; padding: 8px; }
    th { text-align: left; }
  </style>
</head>
<body>
  <h1>Kairos Alloy Summary</h1>
  <h2>Run</h2>
  <table>
    <tr><th>run_id</th><td>{{.RunID}}</td></tr>
    <tr><th>symbol</th><td>{{.Symbol}}</td></tr>
    <tr><th>timeframe</th><td>{{.Timeframe}}</td></tr>
    <tr><th>status</th><td>{{.Status}}</td></tr>
    <tr><th>start</th><td>{{.Start}}</td></tr>
    <tr><th>end</th><td>{{.End}}</td></tr>
  </table>
  <h2>Metrics</h2>
  <table>
    <tr><th>bars_processed</th><td>{{.Metrics.BarsProcessed}}</td></tr>
    <tr><th>trades</th><td>{{.Metrics.Trades}}</td></tr>
    <tr><th>net_profit</th><td>{{printf "%.4f" .Metrics.NetProfit}}</td></tr>
    <tr><th>sharpe</th><td>{{printf "%.4f" .Metrics.Sharpe}}</td></tr>
    <tr><th>max_drawdown</th><td>{{printf "%.4f" .Metrics.MaxDrawdown}}</td></tr>
    <tr><th>win_rate</th><td>{{printf "%.4f" .Metrics.WinRate}}</td></tr>
    <tr><th>turnover</th><td>{{printf "%.4f" .Metrics.Turnover}}</td></tr>
  </table>
</body>
</html>
`

// WriteReport renders summary.html from the summary.
func (w *Writer) WriteReport(summary Summary) error {
	summary.Metrics = roundSummary(summary.Metrics)

	tmpl, err := template.New("report").Parse(reportTemplate)
	if err != nil {
		return errors.Wrap(errors.ErrCodeArtifactWrite, "failed to parse report template", err)
	}

	path := filepath.Join(w.runDir, ReportFile)

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeArtifactWrite, err, "failed to create %s", path)
	}
	defer file.Close()

	if err := tmpl.Execute(file, summary); err != nil {
		return errors.Wrap(errors.ErrCodeArtifactWrite, "failed to render report", err)
	}

	return nil
}

func readCSV(path string, wantColumns int) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeArtifactRead, err, "failed to open %s", path)
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeArtifactRead, err, "failed to read %s header", path)
	}

	if len(header) != wantColumns {
		return nil, errors.Newf(errors.ErrCodeArtifactRead,
			"%s has %d columns, want %d", path, len(header), wantColumns)
	}

	var rows [][]string

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeArtifactRead, err, "failed to read %s row", path)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))

	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeArtifactRead, fmt.Sprintf("invalid float %q", field), err)
		}

		out[i] = v
	}

	return out, nil
}
