// Package config loads and validates the run configuration. The loaded
// config is frozen for the duration of a run; the effective values are
// written to config_snapshot.toml next to the other artifacts.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Marcux777/kairos-alloy/internal/types"
	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

type Config struct {
	Run         RunConfig         `yaml:"run" toml:"run" json:"run"`
	DB          DBConfig          `yaml:"db" toml:"db" json:"db"`
	Paths       PathsConfig       `yaml:"paths" toml:"paths" json:"paths"`
	Costs       CostsConfig       `yaml:"costs" toml:"costs" json:"costs"`
	Execution   ExecutionConfig   `yaml:"execution" toml:"execution" json:"execution"`
	Orders      OrdersConfig      `yaml:"orders" toml:"orders" json:"orders"`
	Features    FeaturesConfig    `yaml:"features" toml:"features" json:"features"`
	Risk        RiskConfig        `yaml:"risk" toml:"risk" json:"risk"`
	Agent       AgentConfig       `yaml:"agent" toml:"agent" json:"agent"`
	DataQuality DataQualityConfig `yaml:"data_quality" toml:"data_quality" json:"data_quality"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics" json:"metrics"`
	Server      ServerConfig      `yaml:"server" toml:"server" json:"server"`
}

type RunConfig struct {
	// RunID is generated when left empty.
	RunID          string  `yaml:"run_id" toml:"run_id" json:"run_id"`
	Symbol         string  `yaml:"symbol" toml:"symbol" json:"symbol" validate:"required"`
	Timeframe      string  `yaml:"timeframe" toml:"timeframe" json:"timeframe" validate:"required"`
	InitialCapital float64 `yaml:"initial_capital" toml:"initial_capital" json:"initial_capital" validate:"required,gt=0"`
}

type DBConfig struct {
	Path       string `yaml:"path" toml:"path" json:"path"`
	Exchange   string `yaml:"exchange" toml:"exchange" json:"exchange"`
	Market     string `yaml:"market" toml:"market" json:"market"`
	OhlcvTable string `yaml:"ohlcv_table" toml:"ohlcv_table" json:"ohlcv_table"`
	// SourceTimeframe enables resampling when it is finer than the run timeframe.
	SourceTimeframe string `yaml:"source_timeframe" toml:"source_timeframe" json:"source_timeframe"`
}

type PathsConfig struct {
	SentimentPath string `yaml:"sentiment_path" toml:"sentiment_path" json:"sentiment_path"`
	OutDir        string `yaml:"out_dir" toml:"out_dir" json:"out_dir" validate:"required"`
}

type CostsConfig struct {
	FeeBps      float64 `yaml:"fee_bps" toml:"fee_bps" json:"fee_bps" validate:"gte=0"`
	SlippageBps float64 `yaml:"slippage_bps" toml:"slippage_bps" json:"slippage_bps" validate:"gte=0"`
}

type ExecutionConfig struct {
	Model              string  `yaml:"model" toml:"model" json:"model" validate:"oneof=simple complete"`
	BuyKind            string  `yaml:"buy_kind" toml:"buy_kind" json:"buy_kind" validate:"oneof=market limit stop"`
	SellKind           string  `yaml:"sell_kind" toml:"sell_kind" json:"sell_kind" validate:"oneof=market limit stop"`
	PriceReference     string  `yaml:"price_reference" toml:"price_reference" json:"price_reference" validate:"oneof=close open"`
	LimitOffsetBps     float64 `yaml:"limit_offset_bps" toml:"limit_offset_bps" json:"limit_offset_bps" validate:"gte=0"`
	StopOffsetBps      float64 `yaml:"stop_offset_bps" toml:"stop_offset_bps" json:"stop_offset_bps" validate:"gte=0"`
	SpreadBps          float64 `yaml:"spread_bps" toml:"spread_bps" json:"spread_bps" validate:"gte=0"`
	LatencyBars        uint64  `yaml:"latency_bars" toml:"latency_bars" json:"latency_bars"`
	TIF                string  `yaml:"tif" toml:"tif" json:"tif" validate:"oneof=gtc ioc fok"`
	ExpireAfterBars    uint64  `yaml:"expire_after_bars" toml:"expire_after_bars" json:"expire_after_bars"`
	MaxFillPctOfVolume float64 `yaml:"max_fill_pct_of_volume" toml:"max_fill_pct_of_volume" json:"max_fill_pct_of_volume" validate:"gte=0,lte=1"`
}

type OrdersConfig struct {
	SizeMode string `yaml:"size_mode" toml:"size_mode" json:"size_mode" validate:"oneof=qty pct_equity"`
	// DecimalPrecision floors order quantities to this many decimal places.
	DecimalPrecision int `yaml:"decimal_precision" toml:"decimal_precision" json:"decimal_precision" validate:"gte=0,lte=18"`
}

type FeaturesConfig struct {
	ReturnMode        string `yaml:"return_mode" toml:"return_mode" json:"return_mode" validate:"oneof=log pct"`
	SMAWindows        []int  `yaml:"sma_windows" toml:"sma_windows" json:"sma_windows" validate:"dive,gt=0"`
	VolatilityWindows []int  `yaml:"volatility_windows" toml:"volatility_windows" json:"volatility_windows" validate:"dive,gt=0"`
	RSIEnabled        bool   `yaml:"rsi_enabled" toml:"rsi_enabled" json:"rsi_enabled"`
	// SentimentLag is a duration like "5m" or "1h"; "1d" is accepted.
	SentimentLag     string `yaml:"sentiment_lag" toml:"sentiment_lag" json:"sentiment_lag"`
	SentimentMissing string `yaml:"sentiment_missing" toml:"sentiment_missing" json:"sentiment_missing" validate:"oneof=error zero_fill forward_fill drop_row"`
	SentimentMaxGap  string `yaml:"sentiment_max_gap" toml:"sentiment_max_gap" json:"sentiment_max_gap"`
	SkipWarmup       bool   `yaml:"skip_warmup" toml:"skip_warmup" json:"skip_warmup"`
}

type RiskConfig struct {
	MaxPositionQty float64 `yaml:"max_position_qty" toml:"max_position_qty" json:"max_position_qty" validate:"gte=0"`
	MaxExposurePct float64 `yaml:"max_exposure_pct" toml:"max_exposure_pct" json:"max_exposure_pct" validate:"gte=0"`
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct" toml:"max_drawdown_pct" json:"max_drawdown_pct" validate:"gte=0,lte=1"`
}

type AgentConfig struct {
	Mode           string `yaml:"mode" toml:"mode" json:"mode" validate:"oneof=baseline remote"`
	URL            string `yaml:"url" toml:"url" json:"url"`
	TimeoutMs      uint64 `yaml:"timeout_ms" toml:"timeout_ms" json:"timeout_ms" validate:"gt=0"`
	Retries        uint   `yaml:"retries" toml:"retries" json:"retries"`
	FallbackAction string `yaml:"fallback_action" toml:"fallback_action" json:"fallback_action" validate:"oneof=BUY SELL HOLD"`
	APIVersion     string `yaml:"api_version" toml:"api_version" json:"api_version" validate:"required"`
	FeatureVersion string `yaml:"feature_version" toml:"feature_version" json:"feature_version" validate:"required"`
	// FatalOnProtocol aborts the run on protocol/rejection errors instead
	// of applying the fallback action.
	FatalOnProtocol bool `yaml:"fatal_on_protocol" toml:"fatal_on_protocol" json:"fatal_on_protocol"`
	// Strategy selects the baseline when mode=baseline.
	Strategy string `yaml:"strategy" toml:"strategy" json:"strategy" validate:"oneof=buy_and_hold sma_crossover hold"`
	SMAFast  int    `yaml:"sma_fast" toml:"sma_fast" json:"sma_fast" validate:"gt=0"`
	SMASlow  int    `yaml:"sma_slow" toml:"sma_slow" json:"sma_slow" validate:"gt=0"`
}

type DataQualityConfig struct {
	Strict          bool `yaml:"strict" toml:"strict" json:"strict"`
	MaxGaps         int  `yaml:"max_gaps" toml:"max_gaps" json:"max_gaps" validate:"gte=0"`
	MaxMissingBars  int  `yaml:"max_missing_bars" toml:"max_missing_bars" json:"max_missing_bars" validate:"gte=0"`
	MaxDuplicates   int  `yaml:"max_duplicates" toml:"max_duplicates" json:"max_duplicates" validate:"gte=0"`
	MaxOutOfOrder   int  `yaml:"max_out_of_order" toml:"max_out_of_order" json:"max_out_of_order" validate:"gte=0"`
	MaxInvalidClose int  `yaml:"max_invalid_close" toml:"max_invalid_close" json:"max_invalid_close" validate:"gte=0"`
}

type MetricsConfig struct {
	RiskFreeRate float64 `yaml:"risk_free_rate" toml:"risk_free_rate" json:"risk_free_rate"`
	// AnnualizationFactor overrides the timeframe-derived default when > 0.
	AnnualizationFactor float64 `yaml:"annualization_factor" toml:"annualization_factor" json:"annualization_factor" validate:"gte=0"`
}

type ServerConfig struct {
	// Listen enables the metrics/health endpoint when non-empty, e.g. ":9090".
	Listen string `yaml:"listen" toml:"listen" json:"listen"`
}

// Default returns the configuration defaults applied before unmarshal.
func Default() Config {
	return Config{
		DB: DBConfig{
			Path:       "data/kairos.duckdb",
			Exchange:   "binance",
			Market:     "spot",
			OhlcvTable: "ohlcv",
		},
		Paths: PathsConfig{
			OutDir: "runs",
		},
		Costs: CostsConfig{
			FeeBps:      10,
			SlippageBps: 5,
		},
		Execution: ExecutionConfig{
			Model:              "complete",
			BuyKind:            "market",
			SellKind:           "market",
			PriceReference:     "close",
			LimitOffsetBps:     10,
			StopOffsetBps:      10,
			SpreadBps:          0,
			LatencyBars:        1,
			TIF:                "gtc",
			ExpireAfterBars:    0,
			MaxFillPctOfVolume: 1.0,
		},
		Orders: OrdersConfig{
			SizeMode:         "qty",
			DecimalPrecision: 8,
		},
		Features: FeaturesConfig{
			ReturnMode:        "log",
			SMAWindows:        []int{10, 50},
			VolatilityWindows: []int{20},
			RSIEnabled:        false,
			SentimentLag:      "5m",
			SentimentMissing:  "forward_fill",
			SkipWarmup:        true,
		},
		Agent: AgentConfig{
			Mode:           "baseline",
			URL:            "http://127.0.0.1:8000",
			TimeoutMs:      200,
			Retries:        1,
			FallbackAction: "HOLD",
			APIVersion:     "v1",
			FeatureVersion: "v1",
			Strategy:       "buy_and_hold",
			SMAFast:        10,
			SMASlow:        50,
		},
	}
}

// Load reads, defaults and validates a YAML config file.
func Load(path string) (Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to read config %s", path)
	}

	return Parse(contents)
}

// Parse defaults and validates YAML config content.
func Parse(contents []byte) (Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse config", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks structural and cross-field constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid configuration", err)
	}

	if _, err := types.ParseTimeframe(c.Run.Timeframe); err != nil {
		return err
	}

	if c.DB.SourceTimeframe != "" {
		if _, err := types.ParseTimeframe(c.DB.SourceTimeframe); err != nil {
			return err
		}
	}

	if _, err := c.Features.SentimentLagDuration(); err != nil {
		return err
	}

	if _, err := c.Features.SentimentMaxGapDuration(); err != nil {
		return err
	}

	if c.Agent.Mode == "remote" && c.Agent.URL == "" {
		return errors.New(errors.ErrCodeInvalidConfiguration, "agent.url is required when agent.mode is remote")
	}

	if c.Agent.Strategy == "sma_crossover" && c.Agent.SMAFast >= c.Agent.SMASlow {
		return errors.Newf(errors.ErrCodeInvalidConfiguration,
			"sma_fast (%d) must be smaller than sma_slow (%d)", c.Agent.SMAFast, c.Agent.SMASlow)
	}

	return nil
}

// EnsureRunID generates a run id when the config leaves it empty.
// Returns the effective run id.
func (c *Config) EnsureRunID() string {
	if c.Run.RunID == "" {
		c.Run.RunID = uuid.New().String()
	}

	return c.Run.RunID
}

// Timeframe returns the parsed run timeframe. Call after Validate.
func (c *Config) Timeframe() types.Timeframe {
	tf, _ := types.ParseTimeframe(c.Run.Timeframe)

	return tf
}

// RiskLimits converts the risk section into the domain type.
func (c *Config) RiskLimits() types.RiskLimits {
	return types.RiskLimits{
		MaxPositionQty: c.Risk.MaxPositionQty,
		MaxExposurePct: c.Risk.MaxExposurePct,
		MaxDrawdownPct: c.Risk.MaxDrawdownPct,
	}
}

// SentimentLagDuration parses the sentiment lag. Empty means zero.
func (f *FeaturesConfig) SentimentLagDuration() (time.Duration, error) {
	return parseDuration(f.SentimentLag)
}

// SentimentMaxGapDuration parses the forward-fill bound. Empty means unbounded.
func (f *FeaturesConfig) SentimentMaxGapDuration() (time.Duration, error) {
	return parseDuration(f.SentimentMaxGap)
}

// parseDuration accepts Go durations plus a day suffix ("2d").
func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}

	if strings.HasSuffix(value, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
		if err == nil {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid duration %q", value)
	}

	if d < 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidConfiguration, "duration %q must not be negative", value)
	}

	return d, nil
}
