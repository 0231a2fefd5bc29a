// Package store implements the OHLCV and signal/zone persistence layer
// (spec.md components A and B) on top of pgx, following the teacher's
// raw-SQL, $N-placeholder repository style.
package store

import (
	"time"

	"github.com/reversalpro/broker/internal/engine"
)

// Side mirrors risk.Side, duplicated here to avoid a store->risk import;
// the two are kept in sync by convention (LONG/SHORT string literals).
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// PositionStatus is the lifecycle state of an AgentPosition.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "OPEN"
	StatusClosed  PositionStatus = "CLOSED"
	StatusStopped PositionStatus = "STOPPED"
)

// AgentMode selects paper simulation vs live order routing.
type AgentMode string

const (
	ModePaper AgentMode = "paper"
	ModeLive  AgentMode = "live"
)

// Bar is a persisted OHLCV candle, keyed by (Time, Symbol, Timeframe).
type Bar struct {
	Time      time.Time
	Symbol    string
	Timeframe string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// ToEngineBar drops the persistence key fields, producing the shape
// internal/engine.Analyze consumes.
func (b Bar) ToEngineBar() engine.Bar {
	return engine.Bar{Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
}

// Pivot is a persisted ZigZag pivot. Each analysis run upserts pivots keyed
// by (time, is_high, is_preview), overwriting the bar index and prices of an
// existing row.
type Pivot struct {
	ID          int64
	Symbol      string
	Timeframe   string
	Time        time.Time
	IsHigh      bool
	BarIndex    int
	Price       float64
	ActualPrice float64
	IsPreview   bool
	CreatedAt   time.Time
}

// Signal is a persisted reversal signal. Unique by (Time, Symbol,
// Timeframe, IsBullish); DetectedAt is preserved across re-analyses via
// COALESCE(existing.detected_at, new.detected_at) in the upsert.
type Signal struct {
	ID          int64
	Symbol      string
	Timeframe   string
	Time        time.Time
	BarIndex    int
	Price       float64
	ActualPrice float64
	IsBullish   bool
	IsPreview   bool
	Label       string
	DetectedAt  time.Time
}

// Zone is a persisted supply/demand band. Zones are replaced wholesale
// (delete-then-insert) for a (Symbol, Timeframe) on every analysis run.
type Zone struct {
	ID          int64
	Symbol      string
	Timeframe   string
	Type        engine.ZoneType
	CenterPrice float64
	TopPrice    float64
	BottomPrice float64
	StartBar    int
	EndBar      int
}

// AnalysisRun records one execution of the detection engine against a
// (Symbol, Timeframe) window.
type AnalysisRun struct {
	ID               int64
	Symbol           string
	Timeframe        string
	RunAt            time.Time
	CurrentATR       float64
	CurrentThreshold float64
	Trend            engine.Trend
	BarCount         int
}

// AnalysisParams is the subset of engine.Config an Agent owns, persisted
// per-agent so each agent can run its own sensitivity/mode combination.
type AnalysisParams struct {
	Sensitivity      engine.Sensitivity
	SignalMode       engine.SignalMode
	ATRLength        int
	AverageLength    int
	ConfirmationBars int
	Method           engine.CalculationMethod
	AbsoluteReversal float64
	AnalysisLimit    int
}

// Agent is a configured autonomous trading agent.
type Agent struct {
	ID           int64
	Name         string
	Symbol       string
	Timeframe    string
	TradeAmount  float64
	Balance      float64
	IsActive     bool
	Mode         AgentMode
	Params       AnalysisParams
	CreatedAt    time.Time
}

// AgentPosition is one position lifecycle for an Agent. Invariants are
// enforced by internal/position, not by this struct.
type AgentPosition struct {
	ID                  int64
	AgentID             int64
	Symbol              string
	Side                Side
	EntryPrice          float64
	StopLoss            float64
	OriginalStopLoss    float64
	TakeProfit          float64
	TP2                 float64
	Quantity            float64
	OriginalQuantity    float64
	InvestedEUR         float64
	BestPrice           float64
	Status              PositionStatus
	PartialClosed       bool
	PartialPnL          float64
	EntrySignalTime     time.Time
	EntrySignalIsBullish bool
	ExitSignalID        *int64
	PnL                 float64
	PnLPercent          float64
	UnrealizedPnL       float64
	OpenedAt            time.Time
	ClosedAt            *time.Time
}

// AgentLog is one structured lifecycle event for an Agent.
type AgentLog struct {
	ID        int64
	AgentID   int64
	Action    string
	Details   map[string]interface{}
	CreatedAt time.Time
}

// Lifecycle log action tags, grounded in original_source's broker logs
// (spec.md §9, SPEC_FULL.md §4.1).
const (
	ActionTradeSkipped      = "TRADE_SKIPPED"
	ActionOrderFailed       = "ORDER_FAILED"
	ActionPositionOpened    = "POSITION_OPENED"
	ActionPositionClosed    = "POSITION_CLOSED"
	ActionPositionStoppedOut = "POSITION_STOPPED_OUT"
	ActionPartialTPClosed   = "PARTIAL_TP_CLOSED"
	ActionCycleError        = "CYCLE_ERROR"
)

// TRADE_SKIPPED reason tags.
const (
	ReasonRiskFloor           = "risk_floor"
	ReasonDuplicateSignal     = "duplicate_signal"
	ReasonStaleSignal         = "stale_signal"
	ReasonNoTrendConfirmation = "no_trend_confirmation"
	ReasonCooldownActive      = "cooldown_active"
	ReasonPivotMomentum       = "pivot_momentum"
)
