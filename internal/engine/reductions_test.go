package engine

import "testing"

func TestVolumeAdaptiveIdentityWhenDisabled(t *testing.T) {
	m := newVolumeAdaptiveModule(VolumeAdaptiveConfig{Enabled: false})
	bars := vReversalBars()
	out := m.reductions(bars, nil)
	for i, v := range out {
		if v != 1.0 {
			t.Errorf("expected identity reduction at %d, got %v", i, v)
		}
	}
}

func TestVolumeAdaptiveReducesOnSpike(t *testing.T) {
	bars := vReversalBars()
	m := newVolumeAdaptiveModule(VolumeAdaptiveConfig{
		Enabled:      true,
		Lookback:     10,
		SpikeMult:    1.5,
		Headroom:     2.0,
		MinReduction: 0.5,
	})
	out := m.reductions(bars, nil)
	if out[24] >= 1.0 {
		t.Errorf("expected reduction < 1.0 at the volume-spike bar, got %v", out[24])
	}
}

func TestCandlePatternEngulfingBeatsDoji(t *testing.T) {
	bars := []Bar{
		makeBar(0, 10, 10.2, 9.8, 9.9, 100),  // bearish prior candle
		makeBar(1, 9.85, 10.5, 9.8, 10.3, 100), // bullish engulfing
	}
	m := newCandlePatternModule(CandlePatternConfig{
		EngulfingReduction: 0.5,
		HammerReduction:    0.65,
		DojiReduction:       0.8,
		DojiBodyRatio:       0.10,
		Enabled:             true,
	})
	out := m.reductions(bars, nil)
	if out[1] != 0.5 {
		t.Errorf("expected engulfing reduction 0.5, got %v", out[1])
	}
}

func TestCUSUMFiresOnSustainedMove(t *testing.T) {
	bars := vReversalBars()
	atr := computeATR(bars, 5)
	m := newCUSUMModule(CUSUMConfig{Enabled: true, Drift: 0.1, ThresholdMul: 1.0, DecayBars: 5})
	out := m.reductions(bars, atr)

	reducedSomewhere := false
	for _, v := range out {
		if v < 1.0 {
			reducedSomewhere = true
		}
	}
	if !reducedSomewhere {
		t.Errorf("expected CUSUM to detect at least one change point over a sustained V-reversal")
	}
}

func TestMatrixProfileDegradesToIdentityWhenDisabled(t *testing.T) {
	m := newMatrixProfileModule(MatrixProfileConfig{Enabled: false})
	bars := vReversalBars()
	out := m.reductions(bars, nil)
	for _, v := range out {
		if v != 1.0 {
			t.Fatalf("expected identity when disabled, got %v", v)
		}
	}
}

func TestMatrixProfileDegradesToIdentityOnShortSeries(t *testing.T) {
	m := newMatrixProfileModule(MatrixProfileConfig{Enabled: true, SubsequenceLen: 10, ZScoreWindow: 20})
	bars := vReversalBars()[:10] // far fewer than 2*m+window required
	out := m.reductions(bars, nil)
	for _, v := range out {
		if v != 1.0 {
			t.Fatalf("expected identity on too-short series, got %v", v)
		}
	}
}
