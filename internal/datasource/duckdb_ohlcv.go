// Package datasource implements the read ports of the engine: the
// relational OHLCV store (duckdb) and the sentiment file readers.
package datasource

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/Marcux777/kairos-alloy/internal/logger"
	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// OhlcvQuery selects one contiguous series from the store.
type OhlcvQuery struct {
	Exchange  string
	Market    string
	Symbol    string
	Timeframe types.Timeframe
	// From/To bound timestamps inclusively; zero means unbounded.
	From int64
	To   int64
}

// OhlcvRepository stores and loads candles in a duckdb database.
type OhlcvRepository struct {
	db     *sql.DB
	sq     squirrel.StatementBuilderType
	table  string
	logger *logger.Logger
}

// NewOhlcvRepository opens (or creates) the database at path. Use
// ":memory:" for tests.
func NewOhlcvRepository(path, table string, log *logger.Logger) (*OhlcvRepository, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(errors.ErrCodeIo, err, "failed to create database directory for %s", path)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIo, "failed to open duckdb database", err)
	}

	if table == "" {
		table = "ohlcv"
	}

	repo := &OhlcvRepository{
		db:     db,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		table:  table,
		logger: log,
	}

	if err := repo.initialize(); err != nil {
		db.Close()

		return nil, err
	}

	return repo, nil
}

func (r *OhlcvRepository) initialize() error {
	_, err := r.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			exchange TEXT NOT NULL,
			market TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			timestamp_utc BIGINT NOT NULL,
			open DOUBLE,
			high DOUBLE,
			low DOUBLE,
			close DOUBLE,
			volume DOUBLE,
			turnover DOUBLE,
			PRIMARY KEY (exchange, market, symbol, timeframe, timestamp_utc)
		)
	`, r.table))
	if err != nil {
		return errors.Wrap(errors.ErrCodeIo, "failed to create ohlcv table", err)
	}

	return nil
}

// LoadOHLCV returns the matching bars ordered by timestamp.
func (r *OhlcvRepository) LoadOHLCV(query OhlcvQuery) ([]types.Bar, error) {
	builder := r.sq.
		Select("timestamp_utc", "open", "high", "low", "close", "volume", "turnover").
		From(r.table).
		Where(squirrel.Eq{
			"exchange":  query.Exchange,
			"market":    query.Market,
			"symbol":    query.Symbol,
			"timeframe": string(query.Timeframe),
		}).
		OrderBy("timestamp_utc ASC")

	if query.From > 0 {
		builder = builder.Where(squirrel.GtOrEq{"timestamp_utc": query.From})
	}

	if query.To > 0 {
		builder = builder.Where(squirrel.LtOrEq{"timestamp_utc": query.To})
	}

	rows, err := builder.RunWith(r.db).Query()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query ohlcv", err)
	}
	defer rows.Close()

	var bars []types.Bar

	for rows.Next() {
		var bar types.Bar
		if err := rows.Scan(&bar.Timestamp, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume, &bar.Turnover); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan ohlcv row", err)
		}

		bars = append(bars, bar)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "error iterating ohlcv rows", err)
	}

	if len(bars) == 0 {
		return nil, errors.Newf(errors.ErrCodeDataNotFound,
			"no bars for %s/%s %s %s", query.Exchange, query.Market, query.Symbol, query.Timeframe)
	}

	return bars, nil
}

// InsertBars upserts one batch of candles inside a transaction.
func (r *OhlcvRepository) InsertBars(exchange, market, symbol string, timeframe types.Timeframe, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrCodeIo, "failed to begin transaction", err)
	}

	insert := r.sq.
		Insert(r.table).
		Columns("exchange", "market", "symbol", "timeframe", "timestamp_utc",
			"open", "high", "low", "close", "volume", "turnover").
		Suffix("ON CONFLICT DO UPDATE SET open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close, volume=excluded.volume, turnover=excluded.turnover")

	for _, bar := range bars {
		insert = insert.Values(exchange, market, symbol, string(timeframe), bar.Timestamp,
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.Turnover)
	}

	if _, err := insert.RunWith(tx).Exec(); err != nil {
		tx.Rollback()

		return errors.Wrap(errors.ErrCodeIo, "failed to insert bars", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrCodeIo, "failed to commit bars", err)
	}

	r.logger.Debug("inserted bars",
		zap.String("symbol", symbol),
		zap.Int("count", len(bars)),
	)

	return nil
}

// Close releases the database handle.
func (r *OhlcvRepository) Close() error {
	return r.db.Close()
}

// Resample aggregates bars into targetStep buckets: first open, max
// high, min low, last close, summed volume and turnover. Input must be
// ordered; buckets align to the epoch.
func Resample(bars []types.Bar, targetStep int64) ([]types.Bar, error) {
	if targetStep <= 0 {
		return nil, errors.New(errors.ErrCodeResampleImpossible, "target step must be positive")
	}

	if len(bars) == 0 {
		return nil, nil
	}

	var (
		out     []types.Bar
		current types.Bar
		bucket  int64 = -1
	)

	for _, bar := range bars {
		start := bar.Timestamp - (bar.Timestamp % targetStep)

		if start != bucket {
			if bucket >= 0 {
				out = append(out, current)
			}

			bucket = start
			current = types.Bar{
				Timestamp: start,
				Open:      bar.Open,
				High:      bar.High,
				Low:       bar.Low,
				Close:     bar.Close,
				Volume:    bar.Volume,
				Turnover:  bar.Turnover,
			}

			continue
		}

		if bar.High > current.High {
			current.High = bar.High
		}

		if bar.Low < current.Low {
			current.Low = bar.Low
		}

		current.Close = bar.Close
		current.Volume += bar.Volume
		current.Turnover += bar.Turnover
	}

	out = append(out, current)

	return out, nil
}
