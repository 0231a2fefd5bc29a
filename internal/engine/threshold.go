package engine

// reductionModule produces a per-bar multiplier in [minReduction, 1.0]; 1.0
// means "no reduction". Every module must be causal: reduction[i] depends
// only on bars[0:i+1]. A disabled module or one whose dependency is
// unavailable must return an all-1.0 slice rather than erroring.
type reductionModule interface {
	reductions(bars []Bar, atr []float64) []float64
}

// baseThreshold computes rev_i = max(close_i*pct, max(absRev, atrMult*atr_i))
// per bar. pct is already a fraction (0.0025, not 0.25).
func baseThreshold(bars []Bar, atr []float64, pct, absRev, atrMult float64) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = maxf(b.Close*pct, maxf(absRev, atrMult*atr[i]))
	}
	return out
}

// composeThreshold multiplies the base threshold by every enabled reduction
// module's per-bar factor, in order. Order does not affect the product but
// is kept stable (matrix profile, volume, candle pattern, cusum) to match
// the source pipeline's documented ordering.
func composeThreshold(base []Bar, atr, rev []float64, cfg Config) []float64 {
	out := make([]float64, len(rev))
	copy(out, rev)

	modules := []reductionModule{
		newMatrixProfileModule(cfg.MatrixProfile),
		newVolumeAdaptiveModule(cfg.VolumeAdaptive),
		newCandlePatternModule(cfg.CandlePattern),
		newCUSUMModule(cfg.CUSUM),
	}
	for _, m := range modules {
		factors := m.reductions(base, atr)
		for i := range out {
			if i < len(factors) {
				out[i] *= factors[i]
			}
		}
	}
	return out
}

// identityReductions returns an all-1.0 slice, used by every module when
// disabled or when its dependency is unavailable.
func identityReductions(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1.0
	}
	return out
}

// linearDecay returns the reduction value at `age` bars past a change point,
// decaying linearly from `floor` back to 1.0 over `decayBars` bars.
func linearDecay(floor float64, age, decayBars int) float64 {
	if decayBars <= 0 || age >= decayBars {
		return 1.0
	}
	frac := float64(age) / float64(decayBars)
	return floor + frac*(1.0-floor)
}
