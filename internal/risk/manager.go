// Package risk computes stop-loss/take-profit levels, enforces the
// risk-floor filter, and manages breakeven/trailing-stop ratchets for
// open agent positions. Every computation is pure given its inputs; the
// manager itself holds no position state, mirroring the teacher's
// preference for small, explicitly-constructed collaborators over
// module-level singletons.
package risk

import (
	"fmt"
	"math"
)

// Side is the direction of a position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// tfParams is the timeframe-indexed SL/TP/trailing parameter row from
// spec.md §4.E. Rows are consulted by "timeframe minutes <= key".
type tfParams struct {
	maxMinutes     int
	rrRatio        float64
	atrMult        float64
	maxSLPercent   float64
	fallbackSLPct  float64
	trailATRMult   float64
	activationRisk float64
	riskFloorPct   float64
}

// tfTable is ordered ascending by maxMinutes; resolve does a linear
// first-match scan, matching the original's small-N lookup table.
var tfTable = []tfParams{
	{maxMinutes: 1, rrRatio: 1.5, atrMult: 1.0, maxSLPercent: 0.30, fallbackSLPct: 0.50, trailATRMult: 0.8, activationRisk: 1.0, riskFloorPct: 0.15},
	{maxMinutes: 5, rrRatio: 2.0, atrMult: 1.2, maxSLPercent: 0.50, fallbackSLPct: 0.80, trailATRMult: 1.0, activationRisk: 1.0, riskFloorPct: 0.15},
	{maxMinutes: 15, rrRatio: 2.5, atrMult: 1.3, maxSLPercent: 0.80, fallbackSLPct: 1.20, trailATRMult: 1.2, activationRisk: 1.2, riskFloorPct: 0.25},
	{maxMinutes: 60, rrRatio: 3.0, atrMult: 1.5, maxSLPercent: 1.50, fallbackSLPct: 2.00, trailATRMult: 1.5, activationRisk: 1.5, riskFloorPct: 0.40},
	{maxMinutes: 240, rrRatio: 3.0, atrMult: 1.5, maxSLPercent: 3.00, fallbackSLPct: 3.00, trailATRMult: 1.8, activationRisk: 1.8, riskFloorPct: 0.40},
	{maxMinutes: 1440, rrRatio: 3.0, atrMult: 1.5, maxSLPercent: 5.00, fallbackSLPct: 5.00, trailATRMult: 2.0, activationRisk: 2.0, riskFloorPct: 0.40},
}

// resolve returns the parameter row for a timeframe expressed in minutes,
// falling back to the widest (1d) row for anything larger.
func resolve(tfMinutes int) tfParams {
	for _, row := range tfTable {
		if tfMinutes <= row.maxMinutes {
			return row
		}
	}
	return tfTable[len(tfTable)-1]
}

// Manager computes SL/TP and ratchets stops. It is stateless and safe
// for concurrent use; callers hold whatever position state needs
// updating (see internal/position).
type Manager struct{}

// NewManager constructs a risk Manager.
func NewManager() *Manager {
	return &Manager{}
}

// SLTPInput carries everything needed to compute an entry's SL/TP1/TP2.
type SLTPInput struct {
	Side          Side
	EntryPrice    float64
	TFMinutes     int
	OppositePivot float64 // 0 means "no pivot available"
	HasPivot      bool
	ATR           float64
	HasATR        bool
	ZoneTP        float64 // 0 means "no zone target on the profit side"
	HasZoneTP     bool
}

// SLTPResult is the outcome of CalculateSLTP.
type SLTPResult struct {
	StopLoss   float64
	TakeProfit float64
	TP2        float64
}

// CalculateSLTP implements spec.md §4.E's SL/TP algorithm for LONG, mirrored
// for SHORT. It never rejects a trade itself; callers apply the risk-floor
// filter separately via PassesRiskFloor, since the caller (not the pure
// calculation) decides how to log a rejection.
func (m *Manager) CalculateSLTP(in SLTPInput) (SLTPResult, error) {
	if in.EntryPrice <= 0 {
		return SLTPResult{}, fmt.Errorf("risk: entry price must be positive, got %v", in.EntryPrice)
	}
	p := resolve(in.TFMinutes)

	var sl float64
	switch in.Side {
	case Long:
		sl = m.longStopLoss(in, p)
	case Short:
		sl = m.shortStopLoss(in, p)
	default:
		return SLTPResult{}, fmt.Errorf("risk: unknown side %q", in.Side)
	}

	sl = capStopLoss(in.Side, in.EntryPrice, sl, p.maxSLPercent)
	risk := math.Abs(in.EntryPrice - sl)

	tp1 := defaultTP(in.Side, in.EntryPrice, risk, p.rrRatio)
	if in.HasZoneTP && zoneImpliesRR(in.Side, in.EntryPrice, in.ZoneTP, risk) {
		tp1 = in.ZoneTP
	}
	tp2 := extendTP(in.Side, in.EntryPrice, tp1)

	return SLTPResult{StopLoss: sl, TakeProfit: tp1, TP2: tp2}, nil
}

func (m *Manager) longStopLoss(in SLTPInput, p tfParams) float64 {
	switch {
	case in.HasPivot && in.OppositePivot < in.EntryPrice:
		return in.OppositePivot
	case in.HasATR:
		return in.EntryPrice - p.atrMult*in.ATR
	default:
		return in.EntryPrice * (1 - p.fallbackSLPct/100)
	}
}

func (m *Manager) shortStopLoss(in SLTPInput, p tfParams) float64 {
	switch {
	case in.HasPivot && in.OppositePivot > in.EntryPrice:
		return in.OppositePivot
	case in.HasATR:
		return in.EntryPrice + p.atrMult*in.ATR
	default:
		return in.EntryPrice * (1 + p.fallbackSLPct/100)
	}
}

// capStopLoss clamps |entry-SL|/entry to maxSLPercent, preserving direction.
func capStopLoss(side Side, entry, sl, maxSLPercent float64) float64 {
	risk := math.Abs(entry-sl) / entry * 100
	if risk <= maxSLPercent {
		return sl
	}
	capped := entry * maxSLPercent / 100
	if side == Long {
		return entry - capped
	}
	return entry + capped
}

func defaultTP(side Side, entry, risk, rr float64) float64 {
	if side == Long {
		return entry + rr*risk
	}
	return entry - rr*risk
}

// zoneImpliesRR reports whether a zone-derived TP candidate sits on the
// profit side and implies an R:R of at least 1.0.
func zoneImpliesRR(side Side, entry, zoneTP, risk float64) bool {
	if risk <= 0 {
		return false
	}
	if side == Long {
		return zoneTP > entry && (zoneTP-entry)/risk >= 1.0
	}
	return zoneTP < entry && (entry-zoneTP)/risk >= 1.0
}

func extendTP(side Side, entry, tp1 float64) float64 {
	leg := tp1 - entry // signed: positive for LONG profit direction, negative for SHORT
	return entry + 1.5*leg
}

// RiskFloorPercent returns the minimum acceptable |entry-SL|/entry percentage
// for a timeframe, per spec.md §4.E's risk-floor table.
func RiskFloorPercent(tfMinutes int) float64 {
	return resolve(tfMinutes).riskFloorPct
}

// PassesRiskFloor implements the risk-floor filter: reject a trade whose SL
// is so close to entry that the two opposite reversals leave no room for a
// profitable exit.
func PassesRiskFloor(entry, sl float64, tfMinutes int) bool {
	if entry <= 0 {
		return false
	}
	riskPct := math.Abs(entry-sl) / entry * 100
	return riskPct >= RiskFloorPercent(tfMinutes)
}

// TrailingParams returns the (trailATRMult, activationRiskMult) pair for a
// timeframe, used by the breakeven/trailing-stop ratchet.
func TrailingParams(tfMinutes int) (atrMult, activationRisk float64) {
	p := resolve(tfMinutes)
	return p.trailATRMult, p.activationRisk
}
