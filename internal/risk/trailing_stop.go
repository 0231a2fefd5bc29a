package risk

import "math"

// RatchetInput is the state the breakeven/trailing-stop ratchet needs on
// every bar. It mirrors the subset of AgentPosition fields the risk
// manager is allowed to read; the position package owns mutation.
type RatchetInput struct {
	Side             Side
	EntryPrice       float64
	OriginalStopLoss float64
	CurrentStopLoss  float64
	BestPrice        float64 // high-water (LONG) or low-water (SHORT)
	BarHigh          float64
	BarLow           float64
	ATR              float64
	HasATR           bool
	TFMinutes        int
	BreakevenDone    bool
}

// RatchetResult reports the ratchet's decision for one bar. NewStopLoss is
// only meaningful when StopLossMoved is true; NewBestPrice always reflects
// the updated high/low-water mark.
type RatchetResult struct {
	NewBestPrice    float64
	StopLossMoved   bool
	NewStopLoss     float64
	BreakevenMoved  bool
	TrailingApplied bool
}

// ApplyRatchet runs breakeven-then-trailing in the order spec.md requires:
// breakeven activates once unrealized profit reaches the initial risk, and
// trailing only ever tightens a stop after breakeven has fired, on bars whose
// extreme puts profit at or beyond the timeframe's activation multiple of
// the initial risk. The stop
// loss check itself (SL hit this bar) is the caller's responsibility and
// must run before this, per spec.md §5's ordering guarantee.
func ApplyRatchet(in RatchetInput) RatchetResult {
	res := RatchetResult{NewBestPrice: in.BestPrice}

	extreme := in.BarHigh
	if in.Side == Short {
		extreme = in.BarLow
	}
	res.NewBestPrice = updateBestPrice(in.Side, in.BestPrice, extreme)

	initialRisk := math.Abs(in.EntryPrice - in.OriginalStopLoss)
	unrealized := unrealizedProfit(in.Side, in.EntryPrice, extreme)

	breakevenDone := in.BreakevenDone
	currentSL := in.CurrentStopLoss

	if !breakevenDone && initialRisk > 0 && unrealized >= initialRisk {
		if movesFavorably(in.Side, currentSL, in.EntryPrice) {
			currentSL = in.EntryPrice
			res.StopLossMoved = true
			res.BreakevenMoved = true
			breakevenDone = true
		}
	}

	if breakevenDone && in.HasATR {
		trailMult, activationRisk := TrailingParams(in.TFMinutes)
		if unrealized >= activationRisk*initialRisk {
			candidate := trailingCandidate(in.Side, res.NewBestPrice, trailMult*in.ATR)
			if movesFavorably(in.Side, currentSL, candidate) {
				currentSL = candidate
				res.StopLossMoved = true
				res.TrailingApplied = true
			}
		}
	}

	if res.StopLossMoved {
		res.NewStopLoss = currentSL
	}
	return res
}

func updateBestPrice(side Side, best, extreme float64) float64 {
	if side == Long {
		if extreme > best {
			return extreme
		}
		return best
	}
	if extreme < best {
		return extreme
	}
	return best
}

func unrealizedProfit(side Side, entry, extreme float64) float64 {
	if side == Long {
		return extreme - entry
	}
	return entry - extreme
}

// movesFavorably reports whether moving the stop loss to candidate is a
// strict improvement (monotone ratchet: LONG stops only move up, SHORT
// stops only move down).
func movesFavorably(side Side, current, candidate float64) bool {
	if side == Long {
		return candidate > current
	}
	return candidate < current
}

func trailingCandidate(side Side, best, distance float64) float64 {
	if side == Long {
		return best - distance
	}
	return best + distance
}

// StopLossHit reports whether the given bar's extremes trigger the current
// stop loss, using the candle's high/low rather than close so wicks are
// caught. The fill price is the SL level itself (paper-mode honours it
// exactly per spec.md §4.E).
func StopLossHit(side Side, barHigh, barLow, stopLoss float64) bool {
	if side == Long {
		return barLow <= stopLoss
	}
	return barHigh >= stopLoss
}

// ExitReason names whether a stop-out is a plain stop loss or a trailing
// stop, based on whether the current SL has moved past the original.
func ExitReason(side Side, currentSL, originalSL float64) string {
	if side == Long && currentSL > originalSL {
		return "TRAILING_STOP"
	}
	if side == Short && currentSL < originalSL {
		return "TRAILING_STOP"
	}
	return "STOP_LOSS"
}
