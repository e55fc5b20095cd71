// FILE: indicators.go
// Package main – Technical indicators used by the regime classifier and exits.
//
// This file implements lightweight TA helpers over OHLCV candles:
//   • SMA(c, n)             – Simple Moving Average of Close (reference mean)
//   • ADX(c, n)             – Average Directional Index with +DI/−DI (Wilder)
//   • Hurst(c, minLag)      – Rescaled-range Hurst exponent of log returns
//   • CandleAlignment(c, n) – direction shared by most of the last n candles
//
// Notes
//   - Inputs are chronological (oldest first).
//   - Keep these allocation-light; they run once per instrument per cycle.
package main

import (
	"math"
	"time"
)

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// SMA returns the n-period simple moving average of Close, aligned to c.
// For indices < n-1, the function returns NaN.
func SMA(c []Candle, n int) []float64 {
	out := make([]float64, len(c))
	if n <= 0 || len(c) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum float64
	for i := range c {
		sum += c[i].Close
		if i >= n {
			sum -= c[i-n].Close
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// ADXResult is the last value of the directional movement system.
type ADXResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ADX computes the n-period ADX using Wilder's smoothing. ok is false when
// fewer than 2n+1 candles are available.
func ADX(c []Candle, n int) (ADXResult, bool) {
	if n <= 0 || len(c) < 2*n+1 {
		return ADXResult{}, false
	}
	var trS, plusS, minusS float64
	var adx, plusDI, minusDI float64
	dxSum := 0.0
	dxCount := 0

	for i := 1; i < len(c); i++ {
		up := c[i].High - c[i-1].High
		down := c[i-1].Low - c[i].Low
		plusDM, minusDM := 0.0, 0.0
		if up > down && up > 0 {
			plusDM = up
		}
		if down > up && down > 0 {
			minusDM = down
		}
		tr := math.Max(c[i].High-c[i].Low, math.Max(math.Abs(c[i].High-c[i-1].Close), math.Abs(c[i].Low-c[i-1].Close)))

		if i <= n {
			trS += tr
			plusS += plusDM
			minusS += minusDM
			if i < n {
				continue
			}
		} else {
			trS = trS - trS/float64(n) + tr
			plusS = plusS - plusS/float64(n) + plusDM
			minusS = minusS - minusS/float64(n) + minusDM
		}

		if trS > 0 {
			plusDI = 100 * plusS / trS
			minusDI = 100 * minusS / trS
		} else {
			plusDI, minusDI = 0, 0
		}
		dx := 0.0
		if sum := plusDI + minusDI; sum > 0 {
			dx = 100 * math.Abs(plusDI-minusDI) / sum
		}

		if dxCount < n {
			dxSum += dx
			dxCount++
			if dxCount == n {
				adx = dxSum / float64(n)
			}
			continue
		}
		adx = (adx*float64(n-1) + dx) / float64(n)
	}
	if dxCount < n {
		return ADXResult{}, false
	}
	return ADXResult{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}, true
}

// Hurst estimates the Hurst exponent of the close series by rescaled range
// over doubling window sizes starting at minLag. It returns 0.5 (random walk)
// when there is not enough data for two window sizes. The result is clamped
// to [0, 1].
func Hurst(c []Candle, minLag int) float64 {
	if minLag < 4 {
		minLag = 4
	}
	rets := make([]float64, 0, len(c))
	for i := 1; i < len(c); i++ {
		if c[i-1].Close <= 0 || c[i].Close <= 0 {
			continue
		}
		rets = append(rets, math.Log(c[i].Close/c[i-1].Close))
	}

	var xs, ys []float64
	for lag := minLag; lag <= len(rets)/2; lag *= 2 {
		rs, ok := meanRescaledRange(rets, lag)
		if !ok {
			continue
		}
		xs = append(xs, math.Log(float64(lag)))
		ys = append(ys, math.Log(rs))
	}
	if len(xs) < 2 {
		return 0.5
	}
	h := slope(xs, ys)
	if math.IsNaN(h) {
		return 0.5
	}
	return math.Max(0, math.Min(1, h))
}

// meanRescaledRange averages R/S over consecutive chunks of size lag.
func meanRescaledRange(x []float64, lag int) (float64, bool) {
	total, count := 0.0, 0
	for start := 0; start+lag <= len(x); start += lag {
		chunk := x[start : start+lag]
		mean := 0.0
		for _, v := range chunk {
			mean += v
		}
		mean /= float64(lag)

		cum, lo, hi, ss := 0.0, 0.0, 0.0, 0.0
		for _, v := range chunk {
			d := v - mean
			cum += d
			lo = math.Min(lo, cum)
			hi = math.Max(hi, cum)
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(lag))
		if sd == 0 {
			continue
		}
		total += (hi - lo) / sd
		count++
	}
	if count == 0 || total <= 0 {
		return 0, false
	}
	return total / float64(count), true
}

// slope is the least-squares slope of ys on xs.
func slope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return math.NaN()
	}
	return (n*sxy - sx*sy) / den
}

// CandleAlignment reports +1 when at least 70% of the last n candles closed
// up, −1 when at least 70% closed down, 0 otherwise.
func CandleAlignment(c []Candle, n int) int {
	if n <= 0 || len(c) < n {
		return 0
	}
	up, down := 0, 0
	for _, k := range c[len(c)-n:] {
		switch {
		case k.Close > k.Open:
			up++
		case k.Close < k.Open:
			down++
		}
	}
	need := int(math.Ceil(0.7 * float64(n)))
	switch {
	case up >= need:
		return 1
	case down >= need:
		return -1
	default:
		return 0
	}
}
