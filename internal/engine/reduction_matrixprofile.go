package engine

import "math"

// matrixProfileModule detects regime changes via a self-join matrix profile
// over close-price log-returns, then converts anomalous subsequences into a
// threshold-reduction factor. Ported from matrix_profile_service.py; there
// is no Go ecosystem equivalent of STUMPY in the example pack (see
// DESIGN.md), so the subsequence distance profile is computed natively here
// with a direct z-normalized Euclidean self-join rather than STUMP's FFT
// acceleration — the windows this pipeline analyzes (hundreds of bars, not
// millions) make the O(n²·m) brute force cheap enough to run per cycle.
type matrixProfileModule struct {
	cfg MatrixProfileConfig
}

func newMatrixProfileModule(cfg MatrixProfileConfig) *matrixProfileModule {
	return &matrixProfileModule{cfg: cfg}
}

type regimeChangePoint struct {
	barIndex int
	score    float64
}

func (m *matrixProfileModule) reductions(bars []Bar, atr []float64) []float64 {
	n := len(bars)
	if !m.cfg.Enabled {
		return identityReductions(n)
	}

	subLen := m.cfg.SubsequenceLen
	if subLen <= 0 {
		subLen = 10
	}
	window := m.cfg.ZScoreWindow
	if window <= 0 {
		window = 20
	}
	zThreshold := m.cfg.ZThreshold
	if zThreshold == 0 {
		zThreshold = 1.8
	}
	minReduction := m.cfg.MinReduction
	if minReduction == 0 {
		minReduction = 0.40
	}

	minRequired := 2*subLen + window
	if n < minRequired {
		return identityReductions(n)
	}

	returns := logReturns(bars)
	nTS := len(returns)
	if nTS < 2*subLen {
		return identityReductions(n)
	}

	mpDist := selfJoinDistanceProfile(returns, subLen)
	rollingZ := causalRollingZScore(mpDist, window)

	// mpDist[j] corresponds to the subsequence of `returns` starting at j,
	// i.e. bars[j : j+subLen]. Attribute novelty to the end of that window;
	// returns is one shorter than bars (it's a diff), hence the +1 offset.
	offset := (subLen - 1) + 1

	novelty := make([]float64, n)
	for i := range novelty {
		novelty[i] = math.NaN()
	}
	for j, z := range rollingZ {
		barIdx := j + offset
		if barIdx >= 0 && barIdx < n {
			novelty[barIdx] = z
		}
	}

	var changePoints []regimeChangePoint
	for i, z := range novelty {
		if math.IsNaN(z) {
			continue
		}
		if z >= zThreshold {
			changePoints = append(changePoints, regimeChangePoint{barIndex: i, score: z})
		}
	}
	changePoints = mergeNearbyChangePoints(changePoints, subLen)

	out := identityReductions(n)
	decayBars := m.cfg.DecayBars
	if decayBars <= 0 {
		decayBars = 6
	}
	for _, cp := range changePoints {
		excess := maxf(0.0, cp.score-zThreshold)
		strength := 1.0 - 1.0/(1.0+excess)
		floor := minReduction + (1.0-strength)*(1.0-minReduction)
		for d := 0; d <= decayBars; d++ {
			idx := cp.barIndex + d
			if idx >= n {
				break
			}
			value := linearDecay(floor, d, decayBars)
			out[idx] = minf(out[idx], value)
		}
	}
	return out
}

// logReturns returns diff(log(close)), length len(bars)-1. Non-finite values
// (e.g. from non-positive closes) are replaced with 0.
func logReturns(bars []Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, len(bars)-1)
	prevLog := math.Log(bars[0].Close)
	for i := 1; i < len(bars); i++ {
		curLog := math.Log(bars[i].Close)
		r := curLog - prevLog
		if math.IsNaN(r) || math.IsInf(r, 0) {
			r = 0
		}
		out[i-1] = r
		prevLog = curLog
	}
	return out
}

// selfJoinDistanceProfile computes, for each subsequence start i, the
// minimum z-normalized Euclidean distance to any earlier subsequence of the
// same length outside the exclusion zone — a brute-force left (causal)
// matrix profile, so profile[i] never depends on data after subsequence i.
// The exclusion zone around i is m/4 bars, matching STUMPY's default.
func selfJoinDistanceProfile(ts []float64, m int) []float64 {
	n := len(ts)
	count := n - m + 1
	if count <= 0 {
		return nil
	}
	subMean := make([]float64, count)
	subStd := make([]float64, count)
	for i := 0; i < count; i++ {
		mean, std := meanStd(ts[i : i+m])
		subMean[i] = mean
		subStd[i] = std
	}

	exclusion := m / 4
	if exclusion < 1 {
		exclusion = 1
	}

	profile := make([]float64, count)
	for i := 0; i < count; i++ {
		best := math.Inf(1)
		for j := 0; j <= i; j++ {
			if absInt(i-j) <= exclusion {
				continue
			}
			d := zNormalizedDistance(ts[i:i+m], subMean[i], subStd[i], ts[j:j+m], subMean[j], subStd[j])
			if d < best {
				best = d
			}
		}
		if math.IsInf(best, 1) {
			best = 0
		}
		profile[i] = best
	}
	return profile
}

func zNormalizedDistance(a []float64, meanA, stdA float64, b []float64, meanB, stdB float64) float64 {
	if stdA < 1e-10 {
		stdA = 1e-10
	}
	if stdB < 1e-10 {
		stdB = 1e-10
	}
	sum := 0.0
	for i := range a {
		na := (a[i] - meanA) / stdA
		nb := (b[i] - meanB) / stdB
		d := na - nb
		sum += d * d
	}
	return math.Sqrt(sum)
}

func meanStd(data []float64) (mean, std float64) {
	n := float64(len(data))
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	mean = sum / n
	var sq float64
	for _, v := range data {
		d := v - mean
		sq += d * d
	}
	std = math.Sqrt(sq / n)
	return
}

// causalRollingZScore computes, for each index, the Z-score of arr[i]
// against the mean/std of the trailing `window` values (including i) —
// never looking ahead.
func causalRollingZScore(arr []float64, window int) []float64 {
	n := len(arr)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		mean, std := meanStd(arr[start : i+1])
		if std > 1e-10 {
			out[i] = (arr[i] - mean) / std
		}
	}
	return out
}

// mergeNearbyChangePoints keeps only the strongest point within each
// min_gap window, scanning left to right as the source does.
func mergeNearbyChangePoints(points []regimeChangePoint, minGap int) []regimeChangePoint {
	if len(points) == 0 {
		return points
	}
	merged := []regimeChangePoint{points[0]}
	for _, pt := range points[1:] {
		last := &merged[len(merged)-1]
		if pt.barIndex-last.barIndex < minGap {
			if pt.score > last.score {
				*last = pt
			}
		} else {
			merged = append(merged, pt)
		}
	}
	return merged
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
