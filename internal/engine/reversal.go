package engine

// reversalDetectorState mirrors the walking state in reversal_detector.py.
type reversalDetectorState struct {
	dir        int // -1, 0, +1
	eih, eil   float64
	eihActual  float64
	eilActual  float64
	eihBar     int
	eilBar     int
	signal     int // -1, 0, +1
}

// detectReversalSignals walks bars applying due pivots (by bar index) to
// update the extreme-i-high/extreme-i-low state, then emits a bullish (U1)
// or bearish (D1) signal exactly on the bar the internal signal flips sign.
// priceH/priceL are the same (possibly confirmation-shifted) series used to
// feed the ZigZag; bars supplies wall-clock Time for the emitted signals.
func detectReversalSignals(bars []Bar, pivots []Pivot, priceH, priceL []float64, isPreview bool) []ReversalSignal {
	n := len(bars)
	var signals []ReversalSignal
	if n == 0 {
		return signals
	}

	pivotAtBar := make(map[int][]Pivot)
	for _, p := range pivots {
		pivotAtBar[p.BarIndex] = append(pivotAtBar[p.BarIndex], p)
	}

	var st reversalDetectorState
	pivotIdx := 0
	// pivots are already sorted by bar_index (append order from the ZigZag walk).
	for i := 0; i < n; i++ {
		for pivotIdx < len(pivots) && pivots[pivotIdx].BarIndex <= i {
			p := pivots[pivotIdx]
			if p.IsHigh {
				st.eih = p.Price
				st.eihActual = p.ActualPrice
				st.eihBar = p.BarIndex
				st.dir = -1
			} else {
				st.eil = p.Price
				st.eilActual = p.ActualPrice
				st.eilBar = p.BarIndex
				st.dir = 1
			}
			pivotIdx++
		}

		prevSignal := st.signal
		pl := priceL[i]
		ph := priceH[i]

		if st.dir > 0 && pl > st.eil {
			st.signal = 1
		} else if st.dir < 0 && ph < st.eih {
			st.signal = -1
		}

		if st.signal > 0 && prevSignal <= 0 {
			signals = append(signals, ReversalSignal{
				Time:        bars[st.eilBar].Time,
				BarIndex:    st.eilBar,
				Price:       st.eil,
				ActualPrice: st.eilActual,
				IsBullish:   true,
				IsPreview:   isPreview,
				Label:       "U1",
			})
		} else if st.signal < 0 && prevSignal >= 0 {
			signals = append(signals, ReversalSignal{
				Time:        bars[st.eihBar].Time,
				BarIndex:    st.eihBar,
				Price:       st.eih,
				ActualPrice: st.eihActual,
				IsBullish:   false,
				IsPreview:   isPreview,
				Label:       "D1",
			})
		}
	}
	return signals
}
