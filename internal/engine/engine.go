package engine

// minBarsRequired is the smallest window Analyze will act on; fewer bars
// than this returns an empty result rather than an error (spec §7,
// "No data" policy).
const minBarsRequired = 50

// Analyze runs the full six-stage detection pipeline over bars and returns
// a complete AnalysisResult. It is pure: the same bars and cfg always
// produce identical output, and bar i of the output never depends on bars
// after i (non-repainting).
func Analyze(bars []Bar, cfg Config) AnalysisResult {
	cfg.Resolve()
	result := AnalysisResult{Symbol: cfg.Symbol, Timeframe: cfg.Timeframe}

	if len(bars) < minBarsRequired {
		return result
	}

	// Stage 1: ATR.
	atr := computeATR(bars, cfg.ATRLength)

	// Stage 2+3: base threshold, then reduction composition.
	base := baseThreshold(bars, atr, cfg.PercentThreshold, cfg.AbsoluteReversal, cfg.ATRMultiplier)
	rev := composeThreshold(bars, atr, base, cfg)

	// Stage 4: ZigZag pivots, a confirmed pass and/or a preview pass, as the
	// signal mode selects.
	priceH, priceL := preparePrices(bars, cfg.CalculationMethod, cfg.AverageLength)
	actualH := make([]float64, len(bars))
	actualL := make([]float64, len(bars))
	for i, b := range bars {
		actualH[i] = b.High
		actualL[i] = b.Low
	}

	var pivots []Pivot
	var previewPivots []Pivot
	wantConfirmed := cfg.SignalMode != PreviewOnly
	wantPreview := cfg.SignalMode != ConfirmedOnly

	if wantConfirmed {
		pivots = computeZigZag(priceH, priceL, actualH, actualL, rev, cfg.ConfirmationBars, false)
	}
	if wantPreview {
		previewPivots = computeZigZag(priceH, priceL, actualH, actualL, rev, 0, true)
	}

	// Stage 5: reversal signal detection.
	var signals []ReversalSignal
	if wantConfirmed {
		signals = detectReversalSignals(bars, pivots, priceH, priceL, false)
	}
	if wantPreview {
		// Preview pivots convert directly into preview signals: pivot-high
		// is a bearish preview, pivot-low a bullish preview.
		for _, p := range previewPivots {
			signals = append(signals, ReversalSignal{
				Time:        bars[p.BarIndex].Time,
				BarIndex:    p.BarIndex,
				Price:       p.Price,
				ActualPrice: p.ActualPrice,
				IsBullish:   !p.IsHigh,
				IsPreview:   true,
				Label:       previewLabel(!p.IsHigh),
			})
		}
	}

	// Stage 6: supply/demand zones, from confirmed pivots only.
	zones := buildZones(pivots, cfg.ZoneThicknessPct, cfg.ZoneExtensionBars, cfg.MaxZones)

	// Stage 7: EMA trend.
	trends := computeTrend(bars, cfg.EMAFast, cfg.EMAMid, cfg.EMASlow)

	allPivots := append(pivots, previewPivots...)

	result.ATR = atr
	result.Threshold = rev
	result.Pivots = allPivots
	result.Signals = signals
	result.Zones = zones
	result.Trends = trends
	result.CurrentATR = atr[len(atr)-1]
	result.CurrentThreshold = rev[len(rev)-1]
	result.CurrentTrend = trends[len(trends)-1].Trend
	return result
}

func previewLabel(isBullish bool) string {
	if isBullish {
		return "U1-preview"
	}
	return "D1-preview"
}
