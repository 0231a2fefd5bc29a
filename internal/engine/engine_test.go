package engine

import (
	"testing"
	"time"
)

func makeBar(t int, open, high, low, close, volume float64) Bar {
	return Bar{
		Time:   time.Unix(int64(t*60), 0),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: volume,
	}
}

// vReversalBars builds the scenario from spec section 8.1: 60 bars,
// linspace(120->90) then linspace(90->120), volume 1000 except a 5000 spike
// at bars 24-25.
func vReversalBars() []Bar {
	bars := make([]Bar, 60)
	for i := 0; i < 30; i++ {
		price := 120.0 - float64(i)
		vol := 1000.0
		if i == 24 || i == 25 {
			vol = 5000.0
		}
		bars[i] = makeBar(i, price, price+0.5, price-0.5, price, vol)
	}
	for i := 30; i < 60; i++ {
		price := 90.0 + float64(i-30)
		bars[i] = makeBar(i, price, price+0.5, price-0.5, price, 1000.0)
	}
	return bars
}

func baseConfig() Config {
	return Config{
		Symbol:            "TEST",
		Timeframe:          "1h",
		SignalMode:         ConfirmedOnly,
		Sensitivity:        SensitivityHigh,
		CalculationMethod:  MethodHighLow,
		ATRLength:          5,
		AverageLength:      5,
		ConfirmationBars:   0,
		ZoneThicknessPct:   0.02,
		ZoneExtensionBars:  20,
		MaxZones:           3,
	}
}

func TestCleanVReversal(t *testing.T) {
	bars := vReversalBars()
	cfg := baseConfig()
	result := Analyze(bars, cfg)

	found := false
	for _, s := range result.Signals {
		if s.IsBullish && s.BarIndex >= 22 && s.BarIndex <= 28 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a bullish signal with bar_index in [22,28], got signals=%+v", result.Signals)
	}
}

func TestReductionModulesNeverDelayPivots(t *testing.T) {
	bars := vReversalBars()

	baseline := baseConfig()
	baseResult := Analyze(bars, baseline)

	enriched := baseConfig()
	enriched.MatrixProfile = MatrixProfileConfig{Enabled: true, SubsequenceLen: 8, ZScoreWindow: 10, ZThreshold: 1.5, MinReduction: 0.4, DecayBars: 4}
	enriched.VolumeAdaptive = VolumeAdaptiveConfig{Enabled: true, Lookback: 10, SpikeMult: 1.5, Headroom: 2.0, MinReduction: 0.5}
	enriched.CandlePattern = CandlePatternConfig{Enabled: true, EngulfingReduction: 0.5, HammerReduction: 0.65, DojiReduction: 0.8, DojiBodyRatio: 0.10}
	enriched.CUSUM = CUSUMConfig{Enabled: true, Drift: 0.5, ThresholdMul: 3.0, DecayBars: 5}
	enrichedResult := Analyze(bars, enriched)

	baseIdx := firstBullishSignalIndex(baseResult.Signals)
	enrichedIdx := firstBullishSignalIndex(enrichedResult.Signals)
	if baseIdx < 0 || enrichedIdx < 0 {
		t.Fatalf("expected both runs to emit a bullish signal, base=%d enriched=%d", baseIdx, enrichedIdx)
	}
	if enrichedIdx > baseIdx {
		t.Errorf("enabling reduction modules delayed the signal: baseline=%d enriched=%d", baseIdx, enrichedIdx)
	}
}

func firstBullishSignalIndex(signals []ReversalSignal) int {
	for _, s := range signals {
		if s.IsBullish {
			return s.BarIndex
		}
	}
	return -1
}

// TestNonRepainting covers P1: a prefix run must reproduce the same
// early signals as the full run.
func TestNonRepainting(t *testing.T) {
	bars := vReversalBars()
	cfg := baseConfig()

	full := Analyze(bars, cfg)
	prefix := Analyze(bars[:40], cfg)

	for _, s := range prefix.Signals {
		if s.BarIndex >= 38 {
			continue
		}
		matched := false
		for _, fs := range full.Signals {
			if fs.BarIndex == s.BarIndex && fs.IsBullish == s.IsBullish {
				matched = true
				if fs.Price != s.Price || fs.ActualPrice != s.ActualPrice {
					t.Errorf("signal at bar %d differs between prefix and full run: %+v vs %+v", s.BarIndex, s, fs)
				}
			}
		}
		if !matched {
			t.Errorf("signal at bar %d present in prefix run but missing from full run: %+v", s.BarIndex, s)
		}
	}
}

// TestZigZagUsesConfirmedThreshold exercises the rev_ci vs rev_i rule
// directly with an asymmetric reversal-amounts array, per spec.md's design
// note that this is the single most important correctness invariant.
func TestZigZagUsesConfirmedThreshold(t *testing.T) {
	// 6 bars. Threshold at the *current* index is huge (would never fire a
	// pivot), but the threshold at the *confirmed* index (ci = i-1, since
	// confirmation_bars=1) is tiny. If the implementation mistakenly used
	// rev[i] instead of rev[ci], no pivot would ever confirm.
	highs := []float64{10, 12, 11, 9, 8, 7}
	lows := []float64{9, 11, 10, 8, 7, 6}
	rev := []float64{0.1, 0.1, 100, 100, 100, 100}

	pivots := computeZigZag(highs, lows, highs, lows, rev, 1, false)
	if len(pivots) == 0 {
		t.Fatalf("expected at least one pivot using the confirmed-index threshold, got none")
	}
}

// TestZigZagAlternation covers P4: consecutive confirmed pivots must
// strictly alternate is_high.
func TestZigZagAlternation(t *testing.T) {
	bars := vReversalBars()
	cfg := baseConfig()
	result := Analyze(bars, cfg)

	var confirmed []Pivot
	for _, p := range result.Pivots {
		if !p.IsPreview {
			confirmed = append(confirmed, p)
		}
	}
	for i := 1; i < len(confirmed); i++ {
		if confirmed[i].IsHigh == confirmed[i-1].IsHigh {
			t.Errorf("pivots at positions %d and %d do not alternate: both is_high=%v", i-1, i, confirmed[i].IsHigh)
		}
	}
}

// TestSignalUniqueness covers P5: no two signals share (bar_index-derived
// time, is_bullish) for a fixed (symbol, timeframe) run.
func TestSignalUniqueness(t *testing.T) {
	bars := vReversalBars()
	cfg := baseConfig()
	result := Analyze(bars, cfg)

	seen := make(map[string]bool)
	for _, s := range result.Signals {
		key := s.Time.String() + "|"
		if s.IsBullish {
			key += "bull"
		} else {
			key += "bear"
		}
		if seen[key] {
			t.Errorf("duplicate signal for key %s", key)
		}
		seen[key] = true
	}
}

func TestATRSeededBySMA(t *testing.T) {
	bars := []Bar{
		makeBar(0, 10, 11, 9, 10, 100),
		makeBar(1, 10, 12, 9, 11, 100),
		makeBar(2, 11, 13, 10, 12, 100),
	}
	atr := computeATR(bars, 2)
	trSum := (bars[0].High - bars[0].Low) + maxf(bars[1].High-bars[1].Low, maxf(absf(bars[1].High-bars[0].Close), absf(bars[1].Low-bars[0].Close)))
	want := trSum / 2
	if absf(atr[1]-want) > 1e-9 {
		t.Errorf("ATR seed mismatch: got %v want %v", atr[1], want)
	}
}

func TestTrendStateMachineOneShotFlags(t *testing.T) {
	bars := vReversalBars()
	trends := computeTrend(bars, 9, 14, 21)

	bullishFlips := 0
	for i, tp := range trends {
		if tp.ChangedToBullish {
			bullishFlips++
			if i > 0 && trends[i-1].Trend == TrendBullish {
				t.Errorf("trend_changed_to_bullish fired on bar %d but previous bar was already bullish", i)
			}
		}
	}
	if bullishFlips == 0 {
		t.Skip("no bullish flip in this synthetic series; flag logic still exercised by BEARISH path")
	}
}

func BenchmarkAnalyze(b *testing.B) {
	bars := make([]Bar, 500)
	price := 100.0
	for i := range bars {
		price += 0.1
		if i%7 == 0 {
			price -= 0.3
		}
		bars[i] = makeBar(i, price, price+0.4, price-0.4, price, 1000+float64(i%5)*200)
	}
	cfg := baseConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Analyze(bars, cfg)
	}
}
