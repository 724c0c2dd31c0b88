// Package indicators implements the deterministic indicator math used by the
// strategy layer.
//
// All functions are list-in / list-out: they take full price series and return
// series of the same length, with positions before sufficient data set to
// zero. ATR and ADX use Wilder smoothing. Inputs are float64 — the decimal
// boundary is the data model; indicator math runs in floating point.
package indicators

import "math"

// SMA returns the simple moving average series. out[i] is zero until a full
// period of data is available (i >= period-1).
func SMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average series, seeded with the SMA of
// the first period values.
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	out[period-1] = seed

	k := 2.0 / float64(period+1)
	ema := seed
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*k + ema
		out[i] = ema
	}
	return out
}

// RSI returns the Wilder-smoothed relative strength index series.
// out[i] is zero for i < period. Monotone rising input approaches 100.
func RSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if period <= 0 || len(closes) < period+1 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// TrueRange returns the true-range series. out[0] is high−low (no previous
// close to compare against).
func TrueRange(highs, lows, closes []float64) []float64 {
	out := make([]float64, len(closes))
	for i := range closes {
		if i == 0 {
			out[i] = highs[i] - lows[i]
			continue
		}
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR returns the Wilder-smoothed average true range series. The first value
// appears at index period (seeded with the mean of the first period TRs after
// the opening bar).
func ATR(highs, lows, closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if period <= 0 || len(closes) < period+1 {
		return out
	}
	tr := TrueRange(highs, lows, closes)

	var seed float64
	for i := 1; i <= period; i++ {
		seed += tr[i]
	}
	atr := seed / float64(period)
	out[period] = atr

	for i := period + 1; i < len(closes); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = atr
	}
	return out
}

// ADX returns the Wilder-smoothed average directional index series. Values
// appear from index 2×period onward.
func ADX(highs, lows, closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if period <= 0 || len(closes) < 2*period+1 {
		return out
	}

	tr := TrueRange(highs, lows, closes)
	plusDM := make([]float64, len(closes))
	minusDM := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder-smoothed sums, seeded over the first period.
	var smTR, smPlus, smMinus float64
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := make([]float64, len(closes))
	dx[period] = dxValue(smPlus, smMinus, smTR)
	for i := period + 1; i < len(closes); i++ {
		smTR = smTR - smTR/float64(period) + tr[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		dx[i] = dxValue(smPlus, smMinus, smTR)
	}

	var seed float64
	for i := period; i < 2*period; i++ {
		seed += dx[i]
	}
	adx := seed / float64(period)
	out[2*period-1] = adx
	for i := 2 * period; i < len(closes); i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
		out[i] = adx
	}
	return out
}

func dxValue(smPlus, smMinus, smTR float64) float64 {
	if smTR == 0 {
		return 0
	}
	plusDI := 100 * smPlus / smTR
	minusDI := 100 * smMinus / smTR
	sum := plusDI + minusDI
	if sum == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / sum
}

// Bollinger returns the upper, middle, and lower band series for the given
// period and standard-deviation multiple.
func Bollinger(closes []float64, period int, mult float64) (upper, middle, lower []float64) {
	upper = make([]float64, len(closes))
	middle = SMA(closes, period)
	lower = make([]float64, len(closes))
	if period <= 0 || len(closes) < period {
		return upper, middle, lower
	}
	for i := period - 1; i < len(closes); i++ {
		var variance float64
		for j := i - period + 1; j <= i; j++ {
			d := closes[j] - middle[i]
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(period))
		upper[i] = middle[i] + mult*sd
		lower[i] = middle[i] - mult*sd
	}
	return upper, middle, lower
}

// Donchian returns the highest-high and lowest-low series over the period
// window ending at each index.
func Donchian(highs, lows []float64, period int) (upper, lower []float64) {
	upper = make([]float64, len(highs))
	lower = make([]float64, len(lows))
	if period <= 0 || len(highs) < period {
		return upper, lower
	}
	for i := period - 1; i < len(highs); i++ {
		hi, lo := highs[i], lows[i]
		for j := i - period + 1; j <= i; j++ {
			if highs[j] > hi {
				hi = highs[j]
			}
			if lows[j] < lo {
				lo = lows[j]
			}
		}
		upper[i] = hi
		lower[i] = lo
	}
	return upper, lower
}

// MACD returns the MACD line, signal line, and histogram series.
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	macd = make([]float64, len(closes))
	sig = make([]float64, len(closes))
	hist = make([]float64, len(closes))
	if len(closes) < slow {
		return macd, sig, hist
	}
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	for i := slow - 1; i < len(closes); i++ {
		macd[i] = fastEMA[i] - slowEMA[i]
	}
	sigEMA := EMA(macd[slow-1:], signal)
	for i, v := range sigEMA {
		sig[slow-1+i] = v
		if v != 0 {
			hist[slow-1+i] = macd[slow-1+i] - v
		}
	}
	return macd, sig, hist
}

// OBV returns the cumulative on-balance volume series.
func OBV(closes, volumes []float64) []float64 {
	out := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		switch {
		case closes[i] > closes[i-1]:
			out[i] = out[i-1] + volumes[i]
		case closes[i] < closes[i-1]:
			out[i] = out[i-1] - volumes[i]
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// VWAP returns the cumulative volume-weighted average price series over the
// provided window, using the typical price (H+L+C)/3 per bar.
func VWAP(highs, lows, closes, volumes []float64) []float64 {
	out := make([]float64, len(closes))
	var cumPV, cumV float64
	for i := range closes {
		typical := (highs[i] + lows[i] + closes[i]) / 3
		cumPV += typical * volumes[i]
		cumV += volumes[i]
		if cumV > 0 {
			out[i] = cumPV / cumV
		}
	}
	return out
}

// Last returns the final value of a series, or zero for an empty series.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
