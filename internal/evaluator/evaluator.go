// Package evaluator implements the Signal Evaluator (spec.md §4.F):
// staleness, duplicate/processed de-dup, EMA-trend filter, same-TF pivot
// momentum, and higher-TF trend confirmation with its fallback chain.
package evaluator

import (
	"context"
	"time"

	"github.com/reversalpro/broker/internal/engine"
	"github.com/reversalpro/broker/internal/store"
)

// Store is the subset of internal/store.Store the evaluator reads.
// Declared as an interface here (composition over inheritance, per
// SPEC_FULL.md §9) so tests can supply an in-memory fake.
type Store interface {
	LatestSignal(ctx context.Context, symbol, timeframe string, isBullish bool) (store.Signal, bool, error)
	HasProcessedSignal(ctx context.Context, agentID int64, signalTime time.Time, isBullish bool) (bool, error)
	LatestAnalysisRun(ctx context.Context, symbol, timeframe string) (store.AnalysisRun, bool, error)
	RecentPivots(ctx context.Context, symbol, timeframe string, isHigh bool, n int) ([]store.Pivot, error)
}

// Evaluator holds no mutable state; every method is a pure query against
// Store plus wall-clock comparisons.
type Evaluator struct {
	store Store
}

// New constructs an Evaluator.
func New(s Store) *Evaluator {
	return &Evaluator{store: s}
}

// TFSeconds parses a timeframe string ("1m","5m","15m","30m","1h","4h","1d",
// "1w","1M") into seconds, per spec.md §6. Exported for internal/orchestrator's
// timeframe-scaled whipsaw cooldown.
func TFSeconds(tf string) int {
	return tfSeconds(tf)
}

func tfSeconds(tf string) int {
	if len(tf) < 2 {
		return 60
	}
	unit := tf[len(tf)-1]
	n := 0
	for _, c := range tf[:len(tf)-1] {
		if c < '0' || c > '9' {
			return 60
		}
		n = n*10 + int(c-'0')
	}
	switch unit {
	case 'm':
		return n * 60
	case 'h':
		return n * 3600
	case 'd':
		return n * 86400
	case 'w':
		return n * 7 * 86400
	case 'M':
		return n * 30 * 86400
	default:
		return 60
	}
}

// TFMinutes is tfSeconds expressed in minutes, used by internal/risk's
// timeframe-indexed parameter tables.
func TFMinutes(tf string) int {
	return tfSeconds(tf) / 60
}

// maxStaleCandles is the per-timeframe staleness budget from spec.md §4.F.
func maxStaleCandles(tf string) int {
	mins := TFMinutes(tf)
	switch {
	case mins <= 1:
		return 15
	case mins <= 5:
		return 10
	case mins <= 15:
		return 8
	case mins <= 60:
		return 6
	default:
		return 4
	}
}

// IsStale reports whether a signal is too old to act on. lenient doubles
// the budget, used when evaluating a signal that would close a position
// rather than open one.
func (e *Evaluator) IsStale(now time.Time, sig store.Signal, timeframe string, lenient bool) bool {
	budget := time.Duration(maxStaleCandles(timeframe)*tfSeconds(timeframe)) * time.Second
	if lenient {
		budget *= 2
	}
	return now.Sub(sig.DetectedAt) > budget
}

// AlreadyProcessed reports whether agentID already holds (or held) a
// position keyed to this exact signal -- the stable (time, is_bullish) key
// that survives signal-id churn across re-analyses (P13).
func (e *Evaluator) AlreadyProcessed(ctx context.Context, agentID int64, sig store.Signal) (bool, error) {
	return e.store.HasProcessedSignal(ctx, agentID, sig.Time, sig.IsBullish)
}

// LatestConfirmedSignal fetches the most recent confirmed signal of the
// given direction for (symbol, timeframe).
func (e *Evaluator) LatestConfirmedSignal(ctx context.Context, symbol, timeframe string, isBullish bool) (store.Signal, bool, error) {
	return e.store.LatestSignal(ctx, symbol, timeframe, isBullish)
}

// PassesEMATrendFilter blocks LONG when the latest analysis run's trend is
// BEARISH, blocks SHORT when BULLISH; NEUTRAL (or no run yet) passes.
func (e *Evaluator) PassesEMATrendFilter(ctx context.Context, symbol, timeframe string, isBullishTrade bool) (bool, error) {
	run, ok, err := e.store.LatestAnalysisRun(ctx, symbol, timeframe)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	if isBullishTrade && run.Trend == engine.TrendBearish {
		return false, nil
	}
	if !isBullishTrade && run.Trend == engine.TrendBullish {
		return false, nil
	}
	return true, nil
}

// PassesPivotMomentum implements the same-TF pivot-momentum filter: for an
// intended LONG, fetch the 3 most recent bearish (swing-high) pivots; if
// they are strictly monotone lower (three consecutive lower highs), reject.
// Mirrored for SHORT against bullish (swing-low) pivots and higher lows.
func (e *Evaluator) PassesPivotMomentum(ctx context.Context, symbol, timeframe string, isBullishTrade bool) (bool, error) {
	// LONG is blocked by lower highs, so it inspects pivot-highs (is_high=true).
	pivots, err := e.store.RecentPivots(ctx, symbol, timeframe, isBullishTrade, 3)
	if err != nil {
		return false, err
	}
	if len(pivots) < 3 {
		return true, nil
	}
	// pivots are newest-first; monotone-against means each older pivot is
	// the more extreme one in the adverse direction.
	if isBullishTrade {
		// three consecutive lower highs: pivots[0] < pivots[1] < pivots[2] (oldest highest)
		if pivots[0].Price < pivots[1].Price && pivots[1].Price < pivots[2].Price {
			return false, nil
		}
		return true, nil
	}
	// three consecutive higher lows: pivots[0] > pivots[1] > pivots[2]
	if pivots[0].Price > pivots[1].Price && pivots[1].Price > pivots[2].Price {
		return false, nil
	}
	return true, nil
}

// HTFMap is the higher-timeframe chain consulted for trend confirmation,
// per spec.md §4.F.
var HTFMap = map[string]string{
	"1m":  "5m",
	"5m":  "15m",
	"15m": "1h",
	"30m": "1h",
	"1h":  "4h",
	"4h":  "1d",
	"1d":  "",
}

// PassesHTFConfirmation walks HTFMap[timeframe] (just one level, per
// spec.md's table) checking the 3 most recent same-side pivots: it
// requires at least 1 of 2 consecutive pairs to confirm the direction,
// only blocking when every pair refutes it. Fewer than 3 pivots falls back
// to the HTF's EMA trend filter; no HTF entry (1d) or no HTF data at all
// is a neutral pass, per SPEC_FULL.md §4.3's fallback chain.
func (e *Evaluator) PassesHTFConfirmation(ctx context.Context, symbol, timeframe string, isBullishTrade bool) (bool, error) {
	htf, ok := HTFMap[timeframe]
	if !ok || htf == "" {
		return true, nil
	}

	// For LONG we want confirming higher lows, so inspect pivot-lows.
	pivots, err := e.store.RecentPivots(ctx, symbol, htf, !isBullishTrade, 3)
	if err != nil || len(pivots) < 3 {
		return e.PassesEMATrendFilter(ctx, symbol, htf, isBullishTrade)
	}

	// pivots newest-first: pairs are (0,1) and (1,2).
	confirmPair := func(newer, older store.Pivot) bool {
		if isBullishTrade {
			return newer.Price > older.Price // higher low
		}
		return newer.Price < older.Price // lower high
	}
	pair1 := confirmPair(pivots[0], pivots[1])
	pair2 := confirmPair(pivots[1], pivots[2])
	if !pair1 && !pair2 {
		return false, nil
	}
	return true, nil
}
