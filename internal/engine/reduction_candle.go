package engine

// candlePatternModule detects classic reversal candlestick patterns
// (engulfing, hammer/shooting-star, doji) using OHLC-only rules. First
// match wins in priority order: engulfing > hammer/shooting-star > doji.
// Ported from candle_pattern_service.py.
type candlePatternModule struct {
	cfg CandlePatternConfig
}

func newCandlePatternModule(cfg CandlePatternConfig) *candlePatternModule {
	return &candlePatternModule{cfg: cfg}
}

const candleBodyRatioThreshold = 0.30

func (m *candlePatternModule) reductions(bars []Bar, atr []float64) []float64 {
	n := len(bars)
	if !m.cfg.Enabled {
		return identityReductions(n)
	}
	out := identityReductions(n)

	dojiRatio := m.cfg.DojiBodyRatio
	if dojiRatio == 0 {
		dojiRatio = 0.10
	}

	for i := 1; i < n; i++ {
		cur, prev := bars[i], bars[i-1]
		body := absf(cur.Close - cur.Open)
		fullRange := cur.High - cur.Low
		if fullRange < 1e-10 {
			continue
		}
		ratio := body / fullRange
		prevBodySigned := prev.Close - prev.Open

		// Bullish engulfing: prior candle bearish, current bullish body engulfs it.
		if prevBodySigned < 0 && cur.Close > cur.Open && cur.Close > prev.Open && cur.Open < prev.Close {
			out[i] = minf(out[i], m.cfg.EngulfingReduction)
			continue
		}
		// Bearish engulfing.
		if prevBodySigned > 0 && cur.Close < cur.Open && cur.Close < prev.Open && cur.Open > prev.Close {
			out[i] = minf(out[i], m.cfg.EngulfingReduction)
			continue
		}

		lowerShadow := minf(cur.Open, cur.Close) - cur.Low
		upperShadow := cur.High - maxf(cur.Open, cur.Close)

		// Hammer: small body near the top of the range, long lower shadow.
		if ratio < candleBodyRatioThreshold && lowerShadow > 2.0*body && upperShadow < body && cur.Close >= cur.Open {
			out[i] = minf(out[i], m.cfg.HammerReduction)
			continue
		}
		// Shooting star: small body near the bottom of the range, long upper shadow.
		if ratio < candleBodyRatioThreshold && upperShadow > 2.0*body && lowerShadow < body && cur.Close <= cur.Open {
			out[i] = minf(out[i], m.cfg.HammerReduction)
			continue
		}
		// Doji: very small body relative to range, indecision.
		if ratio < dojiRatio {
			out[i] = minf(out[i], m.cfg.DojiReduction)
		}
	}
	return out
}
