// Package dataquality counts defects in OHLCV and sentiment series. In
// strict mode the counts are compared against configured thresholds and
// the run aborts before execution; otherwise the report is logged and
// the data is used as-is (no imputation).
package dataquality

import (
	"math"
	"strings"

	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// Report summarizes the defects found in one OHLCV series.
type Report struct {
	Rows           int   `json:"rows"`
	Duplicates     int   `json:"duplicates"`
	OutOfOrder     int   `json:"out_of_order"`
	Gaps           int   `json:"gaps"`
	MissingBars    int   `json:"missing_bars"`
	InvalidClose   int   `json:"invalid_close"`
	FirstTimestamp int64 `json:"first_timestamp,omitempty"`
	LastTimestamp  int64 `json:"last_timestamp,omitempty"`
	MaxGapSeconds  int64 `json:"max_gap_seconds,omitempty"`
}

// Thresholds are the strict-mode limits, one per defect class.
type Thresholds struct {
	MaxGaps         int
	MaxMissingBars  int
	MaxDuplicates   int
	MaxOutOfOrder   int
	MaxInvalidClose int
}

// Analyze scans the bars in input order. stepSeconds is the expected
// distance between consecutive timestamps; a larger distance is a gap,
// and the skipped steps within it count as missing bars.
func Analyze(bars []types.Bar, stepSeconds int64) Report {
	report := Report{Rows: len(bars)}
	if len(bars) == 0 {
		return report
	}

	if stepSeconds <= 0 {
		stepSeconds = 1
	}

	report.FirstTimestamp = bars[0].Timestamp
	report.LastTimestamp = bars[len(bars)-1].Timestamp

	var (
		prev    int64
		hasPrev bool
	)

	for _, bar := range bars {
		ts := bar.Timestamp

		if bar.Close <= 0 || math.IsNaN(bar.Close) || math.IsInf(bar.Close, 0) {
			report.InvalidClose++
		}

		if hasPrev {
			switch {
			case ts == prev:
				report.Duplicates++
			case ts < prev:
				report.OutOfOrder++
			default:
				diff := ts - prev
				if diff > stepSeconds {
					report.Gaps++
					report.MissingBars += int(diff/stepSeconds - 1)

					if diff > report.MaxGapSeconds {
						report.MaxGapSeconds = diff
					}
				}
			}
		}

		prev = ts
		hasPrev = true
		report.LastTimestamp = ts
	}

	return report
}

// Check compares the report against the thresholds and returns a
// DataQuality error naming every exceeded class.
func (r Report) Check(limits Thresholds) error {
	var exceeded []string

	if r.Gaps > limits.MaxGaps {
		exceeded = append(exceeded, "gaps")
	}

	if r.MissingBars > limits.MaxMissingBars {
		exceeded = append(exceeded, "missing_bars")
	}

	if r.Duplicates > limits.MaxDuplicates {
		exceeded = append(exceeded, "duplicates")
	}

	if r.OutOfOrder > limits.MaxOutOfOrder {
		exceeded = append(exceeded, "out_of_order")
	}

	if r.InvalidClose > limits.MaxInvalidClose {
		exceeded = append(exceeded, "invalid_close")
	}

	if len(exceeded) == 0 {
		return nil
	}

	return errors.Newf(errors.ErrCodeDataQuality,
		"data quality thresholds exceeded: %s (gaps=%d missing=%d dup=%d ooo=%d invalid_close=%d)",
		strings.Join(exceeded, ", "), r.Gaps, r.MissingBars, r.Duplicates, r.OutOfOrder, r.InvalidClose)
}

// SentimentReport summarizes the defects found while loading a
// sentiment file.
type SentimentReport struct {
	Rows          int      `json:"rows"`
	Duplicates    int      `json:"duplicates"`
	OutOfOrder    int      `json:"out_of_order"`
	MissingValues int      `json:"missing_values"`
	InvalidValues int      `json:"invalid_values"`
	DroppedRows   int      `json:"dropped_rows"`
	Schema        []string `json:"schema"`
}
