package datasource

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Marcux777/kairos-alloy/internal/dataquality"
	"github.com/Marcux777/kairos-alloy/internal/features"
	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// LoadSentiment reads a sentiment file (CSV or JSON by extension) and
// returns the series ordered by timestamp plus a quality report.
//
// CSV layout: header `timestamp_utc,<metric>,...`; the header order is
// the declared schema order. JSON layout: an array of objects with a
// timestamp_utc field and one numeric field per metric; the schema is
// the sorted set of metric names.
func LoadSentiment(path string, policy features.MissingPolicy) (types.SentimentSeries, dataquality.SentimentReport, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadSentimentJSON(path, policy)
	default:
		return loadSentimentCSV(path, policy)
	}
}

func loadSentimentCSV(path string, policy features.MissingPolicy) (types.SentimentSeries, dataquality.SentimentReport, error) {
	var report dataquality.SentimentReport

	file, err := os.Open(path)
	if err != nil {
		return types.SentimentSeries{}, report, errors.Wrapf(errors.ErrCodeIo, err, "failed to open sentiment file %s", path)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return types.SentimentSeries{}, report, errors.Wrap(errors.ErrCodeSentimentInvalid, "failed to read sentiment header", err)
	}

	if len(header) < 2 || header[0] != "timestamp_utc" {
		return types.SentimentSeries{}, report, errors.New(errors.ErrCodeSentimentInvalid,
			"sentiment CSV must start with a timestamp_utc column followed by metric columns")
	}

	schema := append([]string(nil), header[1:]...)
	report.Schema = schema

	byTimestamp := make(map[int64][]*float64)

	var lastTs int64

	hasPrev := false

	for {
		record, err := reader.Read()
		if err != nil {
			break
		}

		report.Rows++

		ts, err := parseTimestamp(record[0])
		if err != nil {
			return types.SentimentSeries{}, report, err
		}

		if hasPrev && ts < lastTs {
			report.OutOfOrder++
		}

		lastTs = ts
		hasPrev = true

		values := make([]*float64, len(schema))

		for i := range schema {
			raw := ""
			if i+1 < len(record) {
				raw = strings.TrimSpace(record[i+1])
			}

			if raw == "" {
				report.MissingValues++

				continue
			}

			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				report.InvalidValues++

				if policy == features.MissingError {
					return types.SentimentSeries{}, report, errors.Newf(errors.ErrCodeSentimentInvalid,
						"invalid sentiment value %q in column %s at ts=%d", raw, schema[i], ts)
				}

				continue
			}

			values[i] = &v
		}

		if _, exists := byTimestamp[ts]; exists {
			report.Duplicates++
		}

		byTimestamp[ts] = values
	}

	series, err := resolveSeries(schema, byTimestamp, policy, &report)
	if err != nil {
		return types.SentimentSeries{}, report, err
	}

	return series, report, nil
}

type sentimentJSONRecord map[string]any

func loadSentimentJSON(path string, policy features.MissingPolicy) (types.SentimentSeries, dataquality.SentimentReport, error) {
	var report dataquality.SentimentReport

	file, err := os.Open(path)
	if err != nil {
		return types.SentimentSeries{}, report, errors.Wrapf(errors.ErrCodeIo, err, "failed to open sentiment file %s", path)
	}
	defer file.Close()

	var records []sentimentJSONRecord
	if err := json.NewDecoder(file).Decode(&records); err != nil {
		return types.SentimentSeries{}, report, errors.Wrap(errors.ErrCodeSentimentInvalid, "failed to parse sentiment JSON", err)
	}

	schemaSet := make(map[string]struct{})
	rows := make(map[int64]map[string]*float64)

	var lastTs int64

	hasPrev := false

	for _, record := range records {
		report.Rows++

		rawTs, ok := record["timestamp_utc"]
		if !ok {
			return types.SentimentSeries{}, report, errors.New(errors.ErrCodeSentimentInvalid,
				"sentiment JSON record missing timestamp_utc")
		}

		ts, err := parseTimestampAny(rawTs)
		if err != nil {
			return types.SentimentSeries{}, report, err
		}

		if hasPrev && ts < lastTs {
			report.OutOfOrder++
		}

		lastTs = ts
		hasPrev = true

		row := make(map[string]*float64)

		for key, value := range record {
			if key == "timestamp_utc" {
				continue
			}

			schemaSet[key] = struct{}{}

			switch v := value.(type) {
			case float64:
				row[key] = &v
			case nil:
				report.MissingValues++
				row[key] = nil
			default:
				report.InvalidValues++

				if policy == features.MissingError {
					return types.SentimentSeries{}, report, errors.Newf(errors.ErrCodeSentimentInvalid,
						"invalid sentiment json value for key %q at ts=%d", key, ts)
				}

				row[key] = nil
			}
		}

		if _, exists := rows[ts]; exists {
			report.Duplicates++
		}

		rows[ts] = row
	}

	schema := make([]string, 0, len(schemaSet))
	for key := range schemaSet {
		schema = append(schema, key)
	}

	sort.Strings(schema)
	report.Schema = schema

	byTimestamp := make(map[int64][]*float64, len(rows))
	for ts, row := range rows {
		values := make([]*float64, len(schema))
		for i, key := range schema {
			values[i] = row[key]
		}

		byTimestamp[ts] = values
	}

	series, err := resolveSeries(schema, byTimestamp, policy, &report)
	if err != nil {
		return types.SentimentSeries{}, report, err
	}

	return series, report, nil
}

// resolveSeries orders rows by timestamp and applies the missing-value
// policy column by column.
func resolveSeries(
	schema []string,
	byTimestamp map[int64][]*float64,
	policy features.MissingPolicy,
	report *dataquality.SentimentReport,
) (types.SentimentSeries, error) {
	timestamps := make([]int64, 0, len(byTimestamp))
	for ts := range byTimestamp {
		timestamps = append(timestamps, ts)
	}

	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	series := types.SentimentSeries{Schema: schema}
	lastValues := make([]*float64, len(schema))

	for _, ts := range timestamps {
		values := byTimestamp[ts]

		missing := false

		for _, v := range values {
			if v == nil {
				missing = true

				break
			}
		}

		if missing && policy == features.MissingDropRow {
			report.DroppedRows++

			continue
		}

		resolved := make([]float64, len(schema))

		for i, v := range values {
			switch {
			case v != nil:
				lastValues[i] = v
				resolved[i] = *v
			case policy == features.MissingError:
				return types.SentimentSeries{}, errors.Newf(errors.ErrCodeSentimentMissing,
					"missing sentiment value for %s at ts=%d", schema[i], ts)
			case policy == features.MissingForwardFill && lastValues[i] != nil:
				resolved[i] = *lastValues[i]
			default:
				resolved[i] = 0
			}
		}

		series.Points = append(series.Points, types.SentimentPoint{Timestamp: ts, Values: resolved})
	}

	return series, nil
}

func parseTimestamp(value string) (int64, error) {
	value = strings.TrimSpace(value)

	if ts, err := strconv.ParseInt(value, 10, 64); err == nil {
		return ts, nil
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.Unix(), nil
	}

	if t, err := time.Parse("2006-01-02 15:04:05", value); err == nil {
		return t.UTC().Unix(), nil
	}

	return 0, errors.Newf(errors.ErrCodeSentimentInvalid, "unparseable sentiment timestamp %q", value)
}

func parseTimestampAny(value any) (int64, error) {
	switch v := value.(type) {
	case float64:
		return int64(v), nil
	case string:
		return parseTimestamp(v)
	default:
		return 0, errors.Newf(errors.ErrCodeSentimentInvalid, "unparseable sentiment timestamp %v", value)
	}
}
