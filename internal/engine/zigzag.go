package engine

// zigzagDirection is the current ZigZag leg direction.
type zigzagDirection int

const (
	dirUp zigzagDirection = iota
	dirDown
)

// zigzagState mirrors ZigZagState in zigzag_service.py.
type zigzagState struct {
	direction zigzagDirection
	zhigh     float64
	zlow      float64

	zhighActual float64
	zlowActual  float64
	zhighBar    int
	zlowBar     int

	started bool
}

// computeZigZag produces confirmed (or preview, when confirmationBars=0 is
// passed explicitly for a second pass) pivots. priceH/priceL are the prices
// the state machine walks — either raw highs/lows or EMA-smoothed,
// depending on Config.CalculationMethod. actualH/actualL are always raw,
// used to populate Pivot.ActualPrice.
//
// Critical non-repainting rule: at bar i the threshold consulted is
// rev[ci] (the confirmed, shifted index), never rev[i]. See DESIGN.md for
// why this follows spec.md over the literal original_source indexing.
func computeZigZag(priceH, priceL, actualH, actualL, rev []float64, confirmationBars int, isPreview bool) []Pivot {
	n := len(priceH)
	var pivots []Pivot
	if n == 0 {
		return pivots
	}

	var st zigzagState

	for i := 0; i < n; i++ {
		ci := i - confirmationBars
		if ci < 0 {
			continue
		}
		ph, pl := priceH[ci], priceL[ci]
		ah, al := actualH[ci], actualL[ci]
		revCI := rev[ci]

		if !st.started {
			st.direction = dirUp
			st.zhigh, st.zlow = ph, pl
			st.zhighActual, st.zlowActual = ah, al
			st.zhighBar, st.zlowBar = ci, ci
			st.started = true
			continue
		}

		switch st.direction {
		case dirUp:
			if ph > st.zhigh {
				st.zhigh = ph
				st.zhighActual = ah
				st.zhighBar = ci
			}
			if st.zhigh-pl >= revCI {
				pivots = append(pivots, Pivot{
					IsHigh:      true,
					BarIndex:    st.zhighBar,
					Price:       st.zhigh,
					ActualPrice: st.zhighActual,
					IsPreview:   isPreview,
				})
				st.direction = dirDown
				st.zlow, st.zlowActual, st.zlowBar = pl, al, ci
			}
		case dirDown:
			if pl < st.zlow {
				st.zlow = pl
				st.zlowActual = al
				st.zlowBar = ci
			}
			if ph-st.zlow >= revCI {
				pivots = append(pivots, Pivot{
					IsHigh:      false,
					BarIndex:    st.zlowBar,
					Price:       st.zlow,
					ActualPrice: st.zlowActual,
					IsPreview:   isPreview,
				})
				st.direction = dirUp
				st.zhigh, st.zhighActual, st.zhighBar = ph, ah, ci
			}
		}
	}
	return pivots
}

// preparePrices returns the (priceH, priceL) series the ZigZag walks,
// either EMA-smoothed (average method) or raw highs/lows (high_low method).
func preparePrices(bars []Bar, method CalculationMethod, averageLength int) (h, l []float64) {
	n := len(bars)
	h = make([]float64, n)
	l = make([]float64, n)
	for i, b := range bars {
		h[i] = b.High
		l[i] = b.Low
	}
	if method != MethodAverage {
		return h, l
	}
	return computeEMA(h, averageLength), computeEMA(l, averageLength)
}
