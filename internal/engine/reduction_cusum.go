package engine

// cusumModule runs a two-sided CUSUM change-point detector over closes,
// using ATR to scale drift and threshold, and applies a linear-decay
// reduction after each detected change point. Ported from cusum_service.py.
type cusumModule struct {
	cfg CUSUMConfig
}

func newCUSUMModule(cfg CUSUMConfig) *cusumModule {
	return &cusumModule{cfg: cfg}
}

func (m *cusumModule) reductions(bars []Bar, atr []float64) []float64 {
	n := len(bars)
	if !m.cfg.Enabled || n < 2 {
		return identityReductions(n)
	}
	out := identityReductions(n)

	sPos, sNeg := 0.0, 0.0
	var changePoints []int
	prevClose := bars[0].Close

	for i := 1; i < n; i++ {
		ret := bars[i].Close - prevClose
		prevClose = bars[i].Close

		a := atr[i]
		if a <= 0 {
			a = maxf(absf(ret), 1e-10)
		}
		drift := m.cfg.Drift * a
		threshold := m.cfg.ThresholdMul * a

		sPos = maxf(0.0, sPos+ret-drift)
		sNeg = maxf(0.0, sNeg-ret-drift)

		if sPos > threshold || sNeg > threshold {
			changePoints = append(changePoints, i)
			sPos, sNeg = 0.0, 0.0
		}
	}

	for _, cp := range changePoints {
		for d := 0; d <= m.cfg.DecayBars; d++ {
			idx := cp + d
			if idx >= n {
				break
			}
			value := linearDecay(m.cfg.MinReduction, d, m.cfg.DecayBars)
			out[idx] = minf(out[idx], value)
		}
	}
	return out
}
