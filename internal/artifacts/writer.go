// Package artifacts writes the stable per-run output files under
// out_dir/<run_id>/: trades.csv, equity.csv, summary.json, logs.jsonl,
// config_snapshot.toml and summary.html. Artifacts are the source of
// truth for a run; the report regenerator can rebuild the metrics from
// them alone.
package artifacts

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Marcux777/kairos-alloy/internal/audit"
	"github.com/Marcux777/kairos-alloy/internal/metrics"
	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

const (
	TradesFile   = "trades.csv"
	EquityFile   = "equity.csv"
	SummaryFile  = "summary.json"
	LogsFile     = "logs.jsonl"
	SnapshotFile = "config_snapshot.toml"
	ReportFile   = "summary.html"
)

var tradesHeader = []string{"timestamp_utc", "symbol", "side", "qty", "price", "fee", "slippage", "strategy_id", "reason"}

var equityHeader = []string{"timestamp_utc", "equity", "cash", "position_qty", "unrealized_pnl", "realized_pnl"}

// Writer writes artifacts for one run directory.
type Writer struct {
	runDir string
}

// NewWriter creates the run directory under outDir.
func NewWriter(outDir, runID string) (*Writer, error) {
	runDir := filepath.Join(outDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeArtifactWrite, err, "failed to create run directory %s", runDir)
	}

	return &Writer{runDir: runDir}, nil
}

// Dir returns the run directory.
func (w *Writer) Dir() string {
	return w.runDir
}

// WriteTrades writes trades.csv in execution order.
func (w *Writer) WriteTrades(trades []types.Trade) error {
	records := make([][]string, 0, len(trades))
	for _, t := range trades {
		records = append(records, []string{
			strconv.FormatInt(t.Timestamp, 10),
			t.Symbol,
			string(t.Side),
			formatFloat(t.Quantity),
			formatFloat(t.Price),
			formatFloat(t.Fee),
			formatFloat(t.Slippage),
			t.StrategyID,
			t.Reason,
		})
	}

	return w.writeCSV(TradesFile, tradesHeader, records)
}

// WriteEquity writes equity.csv in bar order.
func (w *Writer) WriteEquity(points []types.EquityPoint) error {
	records := make([][]string, 0, len(points))
	for _, p := range points {
		records = append(records, []string{
			strconv.FormatInt(p.Timestamp, 10),
			formatFloat(p.Equity),
			formatFloat(p.Cash),
			formatFloat(p.PositionQty),
			formatFloat(p.UnrealizedPnl),
			formatFloat(p.RealizedPnl),
		})
	}

	return w.writeCSV(EquityFile, equityHeader, records)
}

func (w *Writer) writeCSV(name string, header []string, records [][]string) error {
	path := filepath.Join(w.runDir, name)

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeArtifactWrite, err, "failed to create %s", path)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	if err := writer.Write(header); err != nil {
		return errors.Wrapf(errors.ErrCodeArtifactWrite, err, "failed to write %s header", name)
	}

	if err := writer.WriteAll(records); err != nil {
		return errors.Wrapf(errors.ErrCodeArtifactWrite, err, "failed to write %s rows", name)
	}

	writer.Flush()

	return writer.Error()
}

// Summary is the schema of summary.json. Metric values are rounded to 6
// significant figures so golden comparisons do not diff on float noise.
type Summary struct {
	RunID          string          `json:"run_id"`
	Symbol         string          `json:"symbol"`
	Timeframe      string          `json:"timeframe"`
	Status         string          `json:"status"`
	Start          int64           `json:"start"`
	End            int64           `json:"end"`
	InitialCapital float64         `json:"initial_capital"`
	Costs          SummaryCosts    `json:"costs"`
	Risk           SummaryRisk     `json:"risk"`
	Metrics        metrics.Summary `json:"metrics"`
}

type SummaryCosts struct {
	FeeBps      float64 `json:"fee_bps"`
	SlippageBps float64 `json:"slippage_bps"`
	SpreadBps   float64 `json:"spread_bps"`
}

type SummaryRisk struct {
	MaxPositionQty float64 `json:"max_position_qty"`
	MaxExposurePct float64 `json:"max_exposure_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

// WriteSummary writes summary.json with rounded metrics.
func (w *Writer) WriteSummary(summary Summary) error {
	summary.Metrics = roundSummary(summary.Metrics)

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeArtifactWrite, "failed to encode summary", err)
	}

	path := filepath.Join(w.runDir, SummaryFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.Wrapf(errors.ErrCodeArtifactWrite, err, "failed to write %s", path)
	}

	return nil
}

func roundSummary(m metrics.Summary) metrics.Summary {
	m.NetProfit = metrics.RoundSig(m.NetProfit, 6)
	m.Sharpe = metrics.RoundSig(m.Sharpe, 6)
	m.MaxDrawdown = metrics.RoundSig(m.MaxDrawdown, 6)
	m.WinRate = metrics.RoundSig(m.WinRate, 6)
	m.Turnover = metrics.RoundSig(m.Turnover, 6)

	return m
}

// JSONLSink streams audit events to logs.jsonl, one JSON object per line.
type JSONLSink struct {
	file   *os.File
	writer *bufio.Writer
}

// NewJSONLSink creates (truncates) logs.jsonl in the run directory.
func NewJSONLSink(runDir string) (*JSONLSink, error) {
	path := filepath.Join(runDir, LogsFile)

	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeArtifactWrite, err, "failed to create %s", path)
	}

	return &JSONLSink{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Write implements audit.Sink.
func (s *JSONLSink) Write(event audit.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.ErrCodeArtifactWrite, "failed to encode audit event", err)
	}

	if _, err := s.writer.Write(data); err != nil {
		return errors.Wrap(errors.ErrCodeArtifactWrite, "failed to write audit event", err)
	}

	return s.writer.WriteByte('\n')
}

// Close implements audit.Sink.
func (s *JSONLSink) Close() error {
	if err := s.writer.Flush(); err != nil {
		return errors.Wrap(errors.ErrCodeArtifactWrite, "failed to flush audit log", err)
	}

	return s.file.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
