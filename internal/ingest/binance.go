// Package ingest downloads historical klines from the exchange into the
// local OHLCV store. Ingestion is a collaborator of the engine: runs
// only ever read candles back from the store, never from the network.
package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/Marcux777/kairos-alloy/internal/datasource"
	"github.com/Marcux777/kairos-alloy/internal/logger"
	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

const klinesPageLimit = 1000

// klineAPI is the slice of the binance client the ingester needs.
type klineAPI interface {
	Klines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]*binance.Kline, error)
}

// binanceAPI adapts the real client.
type binanceAPI struct {
	client *binance.Client
}

func (b *binanceAPI) Klines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]*binance.Kline, error) {
	return b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(startMs).
		EndTime(endMs).
		Limit(limit).
		Do(ctx)
}

// Ingester pages klines from the venue into the repository.
type Ingester struct {
	api      klineAPI
	repo     *datasource.OhlcvRepository
	log      *logger.Logger
	progress bool
}

// New creates an ingester backed by the public binance REST API.
func New(repo *datasource.OhlcvRepository, log *logger.Logger, progress bool) *Ingester {
	return &Ingester{
		api:      &binanceAPI{client: binance.NewClient("", "")},
		repo:     repo,
		log:      log,
		progress: progress,
	}
}

// newWithAPI is the test seam.
func newWithAPI(api klineAPI, repo *datasource.OhlcvRepository, log *logger.Logger) *Ingester {
	return &Ingester{api: api, repo: repo, log: log}
}

// Request is one ingestion job.
type Request struct {
	Exchange  string
	Market    string
	Symbol    string
	Timeframe types.Timeframe
	// From/To are UTC epoch seconds, To exclusive.
	From int64
	To   int64
}

// interval maps the run timeframe onto the venue's kline interval label.
func interval(tf types.Timeframe) string {
	switch tf {
	case types.Timeframe1Min:
		return "1m"
	case types.Timeframe5Min:
		return "5m"
	case types.Timeframe15Min:
		return "15m"
	case types.Timeframe1H:
		return "1h"
	case types.Timeframe1D:
		return "1d"
	default:
		return string(tf)
	}
}

// Run downloads the requested range page by page and upserts it into the
// store. Returns the number of bars ingested.
func (i *Ingester) Run(ctx context.Context, req Request) (int, error) {
	step := req.Timeframe.Step()
	if step <= 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidTimeframe, "cannot ingest timeframe %q", req.Timeframe)
	}

	if req.To <= req.From {
		return 0, errors.New(errors.ErrCodeInvalidParameter, "ingest range is empty")
	}

	var bar *progressbar.ProgressBar
	if i.progress {
		totalBars := (req.To - req.From) / step
		bar = progressbar.Default(totalBars, "ingesting "+req.Symbol)
	}

	total := 0
	cursor := req.From

	for cursor < req.To {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		klines, err := i.api.Klines(ctx, req.Symbol, interval(req.Timeframe), cursor*1000, req.To*1000-1, klinesPageLimit)
		if err != nil {
			return total, errors.Wrap(errors.ErrCodeIo, "failed to fetch klines", err)
		}

		if len(klines) == 0 {
			break
		}

		bars := make([]types.Bar, 0, len(klines))

		for _, k := range klines {
			converted, err := convertKline(k)
			if err != nil {
				return total, err
			}

			bars = append(bars, converted)
		}

		if err := i.repo.InsertBars(req.Exchange, req.Market, req.Symbol, req.Timeframe, bars); err != nil {
			return total, err
		}

		total += len(bars)
		cursor = bars[len(bars)-1].Timestamp + step

		if bar != nil {
			bar.Add(len(bars))
		}
	}

	i.log.Info("ingestion complete",
		zap.String("symbol", req.Symbol),
		zap.String("timeframe", string(req.Timeframe)),
		zap.Int("bars", total),
		zap.Time("from", time.Unix(req.From, 0).UTC()),
		zap.Time("to", time.Unix(req.To, 0).UTC()),
	)

	return total, nil
}

func convertKline(k *binance.Kline) (types.Bar, error) {
	fields := []string{k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteAssetVolume}
	values := make([]float64, len(fields))

	for idx, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return types.Bar{}, errors.Wrapf(errors.ErrCodeDataQuality, err, "invalid kline field %q", field)
		}

		values[idx] = v
	}

	return types.Bar{
		Timestamp: k.OpenTime / 1000,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Turnover:  values[5],
	}, nil
}
