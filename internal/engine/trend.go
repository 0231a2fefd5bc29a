package engine

// emaTrendState mirrors EMAState in ema_service.py: one-shot buy/sell
// signal latches plus the raw condition from the previous bar, used to
// detect rising edges.
type emaTrendState struct {
	buySignal, sellSignal int
	prevBuy, prevSell     bool
}

// computeTrend derives the triple-EMA (9/14/21 by default) trend state
// machine, with one-shot trend_changed_to_bullish/bearish flags that fire
// only on the bar a latch first engages. Ported from ema_service.py.
func computeTrend(bars []Bar, fastLen, midLen, slowLen int) []TrendPoint {
	n := len(bars)
	out := make([]TrendPoint, n)
	if n == 0 {
		return out
	}

	closes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
	}
	ema9 := computeEMA(closes, fastLen)
	ema14 := computeEMA(closes, midLen)
	ema21 := computeEMA(closes, slowLen)

	var st emaTrendState
	minReady := maxInt(fastLen, maxInt(midLen, slowLen))

	for i := 0; i < n; i++ {
		e9, e14, e21 := ema9[i], ema14[i], ema21[i]

		tp := TrendPoint{BarIndex: i, EMA9: e9, EMA14: e14, EMA21: e21}

		if i < minReady-1 {
			tp.Trend = TrendNeutral
			out[i] = tp
			continue
		}

		buy := e9 > e14 && e14 > e21 && bars[i].Low > e9
		stopBuy := e9 <= e14
		buyNow := buy && !st.prevBuy

		prevBuySignal := st.buySignal
		if buyNow && !stopBuy {
			st.buySignal = 1
		} else if st.buySignal == 1 && stopBuy {
			st.buySignal = 0
		}

		sell := e9 < e14 && e14 < e21 && bars[i].High < e9
		stopSell := e9 >= e14
		sellNow := sell && !st.prevSell

		prevSellSignal := st.sellSignal
		if sellNow && !stopSell {
			st.sellSignal = 1
		} else if st.sellSignal == 1 && stopSell {
			st.sellSignal = 0
		}

		switch {
		case st.buySignal == 1:
			tp.Trend = TrendBullish
		case st.sellSignal == 1:
			tp.Trend = TrendBearish
		default:
			tp.Trend = TrendNeutral
		}

		tp.ChangedToBullish = st.buySignal == 1 && prevBuySignal != 1
		tp.ChangedToBearish = st.sellSignal == 1 && prevSellSignal != 1

		out[i] = tp

		st.prevBuy = buy
		st.prevSell = sell
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
