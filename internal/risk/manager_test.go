package risk

import "testing"

func TestCalculateSLTPLongATRFallback(t *testing.T) {
	m := NewManager()
	res, err := m.CalculateSLTP(SLTPInput{
		Side:       Long,
		EntryPrice: 100,
		TFMinutes:  60,
		HasATR:     true,
		ATR:        1.0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StopLoss != 98.5 {
		t.Errorf("expected SL 98.5, got %v", res.StopLoss)
	}
	if res.TakeProfit != 104.5 {
		t.Errorf("expected TP1 104.5, got %v", res.TakeProfit)
	}
	wantTP2 := 100 + 1.5*(104.5-100)
	if res.TP2 != wantTP2 {
		t.Errorf("expected TP2 %v, got %v", wantTP2, res.TP2)
	}
}

func TestCalculateSLTPSLCapApplied(t *testing.T) {
	m := NewManager()
	res, err := m.CalculateSLTP(SLTPInput{
		Side:       Long,
		EntryPrice: 100,
		TFMinutes:  1, // max SL 0.30%
		HasATR:     true,
		ATR:        5.0, // would blow past the cap
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	riskPct := (100 - res.StopLoss) / 100 * 100
	if riskPct > 0.30+1e-9 {
		t.Errorf("SL cap violated: risk%% = %v, want <= 0.30", riskPct)
	}
}

func TestCalculateSLTPZoneTPUsedWhenRRHolds(t *testing.T) {
	m := NewManager()
	res, err := m.CalculateSLTP(SLTPInput{
		Side:       Long,
		EntryPrice: 100,
		TFMinutes:  60,
		HasATR:     true,
		ATR:        1.0, // SL=98.5, risk=1.5, default TP1=104.5
		HasZoneTP:  true,
		ZoneTP:     108, // implied RR = 8/1.5 >= 1.0
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TakeProfit != 108 {
		t.Errorf("expected zone TP to win, got %v", res.TakeProfit)
	}
}

func TestCalculateSLTPZoneTPIgnoredWhenRRTooSmall(t *testing.T) {
	m := NewManager()
	res, err := m.CalculateSLTP(SLTPInput{
		Side:       Long,
		EntryPrice: 100,
		TFMinutes:  60,
		HasATR:     true,
		ATR:        1.0,
		HasZoneTP:  true,
		ZoneTP:     100.5, // implied RR < 1.0
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TakeProfit == 100.5 {
		t.Errorf("zone TP with RR < 1.0 should have been rejected")
	}
}

func TestPassesRiskFloorRejectsTightStop(t *testing.T) {
	// Scenario 3: entry 100.00, SL 99.80 on 1h must be rejected (min 0.40%).
	if PassesRiskFloor(100.00, 99.80, 60) {
		t.Error("expected risk floor to reject a 0.20% risk trade on 1h")
	}
}

func TestPassesRiskFloorAcceptsWideStop(t *testing.T) {
	if !PassesRiskFloor(100.00, 99.50, 60) {
		t.Error("expected risk floor to accept a 0.50% risk trade on 1h")
	}
}

func TestApplyRatchetBreakevenThenTrailing(t *testing.T) {
	// Entry 100, original SL 95 (risk 5). Profit reaches 5 -> breakeven.
	r1 := ApplyRatchet(RatchetInput{
		Side:             Long,
		EntryPrice:       100,
		OriginalStopLoss: 95,
		CurrentStopLoss:  95,
		BestPrice:        100,
		BarHigh:          105,
		BarLow:           104,
		TFMinutes:        60,
	})
	if !r1.BreakevenMoved || r1.NewStopLoss != 100 {
		t.Fatalf("expected breakeven to move SL to 100, got %+v", r1)
	}

	// Next bar: profit well past activation risk, with ATR -> trailing.
	r2 := ApplyRatchet(RatchetInput{
		Side:             Long,
		EntryPrice:       100,
		OriginalStopLoss: 95,
		CurrentStopLoss:  100,
		BestPrice:        r1.NewBestPrice,
		BarHigh:          112,
		BarLow:           111,
		ATR:              2,
		HasATR:           true,
		TFMinutes:        60,
		BreakevenDone:    true,
	})
	if !r2.TrailingApplied {
		t.Fatalf("expected trailing stop to apply, got %+v", r2)
	}
	if r2.NewStopLoss <= 100 {
		t.Errorf("trailing stop should move past breakeven, got %v", r2.NewStopLoss)
	}
}

func TestApplyRatchetNeverMovesUnfavorably(t *testing.T) {
	res := ApplyRatchet(RatchetInput{
		Side:             Long,
		EntryPrice:       100,
		OriginalStopLoss: 95,
		CurrentStopLoss:  100,
		BestPrice:        110,
		BarHigh:          101, // pullback
		BarLow:           100,
		ATR:              2,
		HasATR:           true,
		TFMinutes:        60,
		BreakevenDone:    true,
	})
	if res.StopLossMoved {
		t.Errorf("stop loss must not move on a pullback bar, got %+v", res)
	}
}

func TestStopLossHitUsesBarExtremes(t *testing.T) {
	if !StopLossHit(Long, 101, 94, 95) {
		t.Error("expected LONG SL to trigger when bar low pierces SL")
	}
	if StopLossHit(Long, 101, 96, 95) {
		t.Error("did not expect LONG SL to trigger when bar low stays above SL")
	}
	if !StopLossHit(Short, 106, 99, 105) {
		t.Error("expected SHORT SL to trigger when bar high pierces SL")
	}
}

func TestExitReasonDistinguishesTrailingFromPlainStop(t *testing.T) {
	if ExitReason(Long, 95, 95) != "STOP_LOSS" {
		t.Error("expected plain STOP_LOSS when SL never moved")
	}
	if ExitReason(Long, 100, 95) != "TRAILING_STOP" {
		t.Error("expected TRAILING_STOP when SL ratcheted past original")
	}
}
