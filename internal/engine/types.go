// Package engine implements the non-repainting reversal detection pipeline:
// ATR, threshold composition, ZigZag pivots, reversal signals, supply/demand
// zones and EMA trend. Analyze is pure: same bars + config always produce
// the same output.
package engine

import "time"

// Bar is one OHLCV candle for a (symbol, timeframe) series. Bars must be
// supplied in chronological order; the engine never reorders or looks ahead.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// SignalMode controls which kind of reversal signals Analyze emits.
type SignalMode string

const (
	ConfirmedOnly       SignalMode = "Confirmed Only"
	ConfirmedAndPreview SignalMode = "Confirmed + Preview"
	PreviewOnly         SignalMode = "Preview Only"
)

// Sensitivity is a named threshold preset; Custom means Config.PercentThreshold
// and Config.ATRMultiplier are used as given rather than resolved from a preset.
type Sensitivity string

const (
	SensitivityVeryHigh Sensitivity = "Very High"
	SensitivityHigh     Sensitivity = "High"
	SensitivityMedium   Sensitivity = "Medium"
	SensitivityLow      Sensitivity = "Low"
	SensitivityVeryLow  Sensitivity = "Very Low"
	SensitivityCustom   Sensitivity = "Custom"
)

// CalculationMethod selects whether ZigZag prices are EMA-smoothed or raw.
type CalculationMethod string

const (
	MethodAverage  CalculationMethod = "average"
	MethodHighLow  CalculationMethod = "high_low"
)

// Trend is the EMA-based trend-state classification.
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

// MatrixProfileConfig controls the native matrix-profile reduction module.
type MatrixProfileConfig struct {
	Enabled         bool
	SubsequenceLen  int
	ZScoreWindow    int
	ZThreshold      float64
	MinReduction    float64
	DecayBars       int
}

// VolumeAdaptiveConfig controls the volume-spike reduction module.
type VolumeAdaptiveConfig struct {
	Enabled      bool
	Lookback     int
	SpikeMult    float64
	Headroom     float64
	MinReduction float64
}

// CandlePatternConfig controls the candle-pattern reduction module.
type CandlePatternConfig struct {
	Enabled            bool
	EngulfingReduction float64
	HammerReduction    float64
	DojiReduction      float64
	DojiBodyRatio      float64
}

// CUSUMConfig controls the CUSUM change-point reduction module.
type CUSUMConfig struct {
	Enabled      bool
	Drift        float64
	ThresholdMul float64
	MinReduction float64
	DecayBars    int
}

// Config is the full configuration consumed by Analyze. It corresponds to
// one (symbol, timeframe) analysis run.
type Config struct {
	Symbol           string
	Timeframe        string
	SignalMode       SignalMode
	Sensitivity      Sensitivity
	CalculationMethod CalculationMethod

	ATRLength        int
	AverageLength    int
	ConfirmationBars int

	PercentThreshold float64 // fraction, e.g. 0.002 for 0.2%, not a percent
	ATRMultiplier    float64
	AbsoluteReversal float64

	EMAFast int // default 9
	EMAMid  int // default 14
	EMASlow int // default 21

	ZoneThicknessPct float64
	ZoneExtensionBars int
	MaxZones          int

	MatrixProfile   MatrixProfileConfig
	VolumeAdaptive  VolumeAdaptiveConfig
	CandlePattern   CandlePatternConfig
	CUSUM           CUSUMConfig
}

// sensitivityPreset is (percent_threshold, atr_multiplier) for each non-custom
// preset. Values are fractions of price and are used as-is for every
// timeframe; ConfirmationBars and AbsoluteReversal come from the caller
// unchanged.
var sensitivityPresets = map[Sensitivity][2]float64{
	SensitivityVeryHigh: {0.0015, 0.8},
	SensitivityHigh:     {0.0025, 1.0},
	SensitivityMedium:   {0.004, 1.3},
	SensitivityLow:      {0.006, 1.6},
	SensitivityVeryLow:  {0.01, 2.0},
}

// Resolve fills PercentThreshold/ATRMultiplier from the named preset unless
// Sensitivity is Custom, in which case the caller-supplied values are kept.
func (c *Config) Resolve() {
	if c.Sensitivity != SensitivityCustom {
		if preset, ok := sensitivityPresets[c.Sensitivity]; ok {
			c.PercentThreshold = preset[0]
			c.ATRMultiplier = preset[1]
		}
	}
	if c.EMAFast == 0 {
		c.EMAFast = 9
	}
	if c.EMAMid == 0 {
		c.EMAMid = 14
	}
	if c.EMASlow == 0 {
		c.EMASlow = 21
	}
}

// Pivot is a ZigZag leg termination: a local swing high or low.
type Pivot struct {
	IsHigh      bool
	BarIndex    int
	Price       float64 // possibly EMA-smoothed
	ActualPrice float64 // raw high/low
	IsPreview   bool
}

// ReversalSignal is a confirmed or preview U1/D1 signal.
type ReversalSignal struct {
	Time         time.Time
	BarIndex     int
	Price        float64
	ActualPrice  float64
	IsBullish    bool
	IsPreview    bool
	Label        string
}

// ZoneType distinguishes supply (resistance, from pivot highs) from demand
// (support, from pivot lows) zones.
type ZoneType string

const (
	ZoneSupply ZoneType = "SUPPLY"
	ZoneDemand ZoneType = "DEMAND"
)

// Zone is a supply/demand price band derived from a confirmed pivot.
type Zone struct {
	Type        ZoneType
	CenterPrice float64
	TopPrice    float64
	BottomPrice float64
	StartBar    int
	EndBar      int
}

// TrendPoint is the per-bar EMA trend classification plus one-shot
// transition flags.
type TrendPoint struct {
	BarIndex              int
	EMA9, EMA14, EMA21    float64
	Trend                 Trend
	ChangedToBullish      bool
	ChangedToBearish      bool
}

// AnalysisResult is the complete, deterministic output of Analyze for one
// (symbol, timeframe) bar window.
type AnalysisResult struct {
	Symbol    string
	Timeframe string

	ATR       []float64
	Threshold []float64

	Pivots       []Pivot
	Signals      []ReversalSignal
	Zones        []Zone
	Trends       []TrendPoint

	CurrentATR       float64
	CurrentThreshold float64
	CurrentTrend     Trend
}
